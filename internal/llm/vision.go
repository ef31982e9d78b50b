package llm

import (
	"context"
	"errors"

	"google.golang.org/genai"
)

// DefaultPrompt is sent when the user leaves the prompt empty.
const DefaultPrompt = "Describe this image in detail."

var (
	// ErrMissingAPIKey is returned before any network I/O when no credential is configured.
	ErrMissingAPIKey = errors.New("GEMINI_API_KEY is not defined in the environment")
	// ErrNoText is returned when the model answers without any text.
	ErrNoText = errors.New("no response text received from Gemini")
)

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// AnalysisResult contains the analysis text and usage information.
type AnalysisResult struct {
	Text  string
	Model string
	Usage Usage
}

// Analyzer can analyze an image according to a text instruction.
type Analyzer interface {
	// AnalyzeImage sends one image and a prompt to the model and returns its answer.
	// An empty prompt is replaced with DefaultPrompt.
	AnalyzeImage(ctx context.Context, imageData []byte, mimeType, prompt string) (*AnalysisResult, error)
}

// PromptOrDefault returns the instruction text actually sent for a prompt.
// Only the empty string selects the default; other text is sent verbatim.
func PromptOrDefault(prompt string) string {
	if prompt == "" {
		return DefaultPrompt
	}
	return prompt
}

// ErrorMessage collapses an analysis failure into the message shown to the user.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "An unexpected error occurred while analyzing the image."
}
