package ports

import "context"

// GenerateRequest describes one completion request to an LLM provider.
type GenerateRequest struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Generator produces text from a prompt. pactown uses it to draft
// service artifacts from natural-language descriptions.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}
