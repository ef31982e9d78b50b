package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// DefaultModel is efficient for single-image multimodal prompts.
const DefaultModel = "gemini-2.5-flash"

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.30 // $0.30 per 1M input tokens (text/image/video)
	geminiOutputPricePerMillion = 2.50 // $2.50 per 1M output tokens (including thinking)
)

// contentGenerator is the part of the genai client the analyzer calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiAnalyzer.
type GeminiConfig struct {
	APIKey  string
	Model   string // Defaults to DefaultModel
	BaseURL string // Optional API endpoint override
}

// GeminiAnalyzer uses Google's Gemini API for image analysis.
//
// The genai client is created on first use, so a missing API key surfaces as
// an analysis failure instead of a startup error.
type GeminiAnalyzer struct {
	apiKey  string
	model   string
	baseURL string

	mu           sync.Mutex
	generator    contentGenerator
	newGenerator func(ctx context.Context) (contentGenerator, error)
}

// NewGeminiAnalyzer creates a new Gemini-based analyzer.
func NewGeminiAnalyzer(cfg GeminiConfig) *GeminiAnalyzer {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	g := &GeminiAnalyzer{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: cfg.BaseURL,
	}
	g.newGenerator = g.newClient
	return g
}

// Model returns the model identifier requests are sent to.
func (g *GeminiAnalyzer) Model() string {
	return g.model
}

func (g *GeminiAnalyzer) newClient(ctx context.Context) (contentGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      g.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client.Models, nil
}

func (g *GeminiAnalyzer) client(ctx context.Context) (contentGenerator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.generator != nil {
		return g.generator, nil
	}
	gen, err := g.newGenerator(ctx)
	if err != nil {
		return nil, err
	}
	g.generator = gen
	return gen, nil
}

// buildContents assembles the multimodal request: the inline image followed
// by the instruction text. The SDK base64-encodes the image bytes on the wire.
func buildContents(imageData []byte, mimeType, prompt string) []*genai.Content {
	parts := []*genai.Part{
		genai.NewPartFromBytes(imageData, mimeType),
		genai.NewPartFromText(PromptOrDefault(prompt)),
	}
	return []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
}

// AnalyzeImage implements the Analyzer interface using Gemini.
func (g *GeminiAnalyzer) AnalyzeImage(ctx context.Context, imageData []byte, mimeType, prompt string) (*AnalysisResult, error) {
	if g.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if len(imageData) == 0 {
		return nil, fmt.Errorf("no image provided")
	}

	gen, err := g.client(ctx)
	if err != nil {
		return nil, err
	}

	result, err := gen.GenerateContent(ctx, g.model, buildContents(imageData, mimeType, prompt), nil)
	if err != nil {
		log.Error().Err(err).Str("model", g.model).Msg("gemini api error")
		return nil, err
	}

	if result == nil {
		return nil, ErrNoText
	}
	text := result.Text()
	if text == "" {
		return nil, ErrNoText
	}

	// Calculate usage and cost
	usage := Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		usage.CostUSD = calculateGeminiCost(usage.InputTokens, usage.OutputTokens, geminiInputPricePerMillion, geminiOutputPricePerMillion)
	}

	log.Info().
		Str("model", g.model).
		Str("mimeType", mimeType).
		Int("imageBytes", len(imageData)).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("vision llm call")

	return &AnalysisResult{Text: text, Model: g.model, Usage: usage}, nil
}

func calculateGeminiCost(inputTokens, outputTokens int64, inputPrice, outputPrice float64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * inputPrice
	outputCost := float64(outputTokens) / 1_000_000 * outputPrice
	return inputCost + outputCost
}
