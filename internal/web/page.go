package web

import (
	"embed"
	"html/template"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/raine/gemini-image-analyzer/internal/analysis"
	"github.com/raine/gemini-image-analyzer/internal/llm"
)

//go:embed templates/index.html
var templateFS embed.FS

var pageTemplate = template.Must(
	template.New("index.html").
		Funcs(template.FuncMap{"formatResult": formatResult}).
		ParseFS(templateFS, "templates/index.html"),
)

var boldPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)

type pageData struct {
	State         analysis.State
	Image         *imageInfo
	Prompt        string
	DefaultPrompt string
	MaxUploadMB   int64
	CanAnalyze    bool
	Busy          bool
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	resp := newStateResponse(sessionFrom(r))
	busy := resp.State.Status == analysis.StatusAnalyzing
	data := pageData{
		State:         resp.State,
		Image:         resp.Image,
		Prompt:        resp.Prompt,
		DefaultPrompt: llm.DefaultPrompt,
		MaxUploadMB:   s.maxUpload >> 20,
		CanAnalyze:    resp.Image != nil && !busy,
		Busy:          busy,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplate.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("failed to render page")
	}
}

// formatResult turns analysis text into paragraphs, one per non-blank line,
// with **bold** spans rendered as <strong>. Everything else is escaped.
func formatResult(text string) []template.HTML {
	var paragraphs []template.HTML
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		paragraphs = append(paragraphs, template.HTML(formatLine(line)))
	}
	return paragraphs
}

func formatLine(line string) string {
	var b strings.Builder
	last := 0
	for _, m := range boldPattern.FindAllStringSubmatchIndex(line, -1) {
		b.WriteString(template.HTMLEscapeString(line[last:m[0]]))
		b.WriteString("<strong>")
		b.WriteString(template.HTMLEscapeString(line[m[2]:m[3]]))
		b.WriteString("</strong>")
		last = m[1]
	}
	b.WriteString(template.HTMLEscapeString(line[last:]))
	return b.String()
}
