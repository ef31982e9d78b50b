package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/lithammer/dedent"
	"github.com/spf13/cobra"

	"github.com/raine/gemini-image-analyzer/internal/analysis"
	"github.com/raine/gemini-image-analyzer/internal/apiclient"
	"github.com/raine/gemini-image-analyzer/internal/imagestore"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#3B82F6", Dark: "#60A5FA"})
	boldStyle    = lipgloss.NewStyle().Bold(true)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#EF4444", Dark: "#F87171"})

	boldPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		server  string
		prompt  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:           "analyze <image-path>",
		Short:         "Analyze an image with a running gemini-image-analyzer server",
		Example:       "  analyze photo.jpg\n  analyze --prompt \"Count the people\" party.png",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			return run(ctx, apiclient.NewClient(apiclient.ClientOpts{BaseURL: server}), args[0], prompt)
		},
	}

	cmd.Flags().StringVar(&server, "server", apiclient.DefaultBaseURL, "analyzer server base URL")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "question about the image (default: describe it)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall time limit")
	return cmd
}

func run(ctx context.Context, client *apiclient.Client, imagePath, prompt string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	data, err := imagestore.ReadUpload(f, imagestore.DefaultMaxImageSize)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", imagePath, err)
	}
	// Fail early instead of uploading something the server will refuse
	mimeType, err := imagestore.DetectMIMEType("", data)
	if err != nil {
		return fmt.Errorf("%s: %w", imagePath, err)
	}

	if _, err := client.SelectImage(ctx, filepath.Base(imagePath), data); err != nil {
		return err
	}
	if _, err := client.Analyze(ctx, prompt); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Analyzing...")
	st, err := client.WaitSettled(ctx, 500*time.Millisecond)
	if err != nil {
		return err
	}

	switch st.Status {
	case analysis.StatusSuccess:
		fmt.Println(formatReplyText(`
			%s
			%s (%s, %d bytes)

			%s
		`, headingStyle.Render("Analysis"), filepath.Base(imagePath), mimeType, len(data), renderBold(st.Data)))
		return nil
	case analysis.StatusError:
		return fmt.Errorf("analysis failed: %s", st.Message)
	default:
		return fmt.Errorf("unexpected state %q", st.Status)
	}
}

func formatReplyText(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

// renderBold renders **bold** spans in terminal bold.
func renderBold(text string) string {
	return boldPattern.ReplaceAllStringFunc(text, func(m string) string {
		return boldStyle.Render(strings.Trim(m, "*"))
	})
}
