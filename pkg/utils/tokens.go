package utils

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides approximate token counting for budget accounting.
// All supported models are counted with the GPT-4 encoding; Claude and Gemini
// tokenize slightly differently but the approximation is close enough for
// cost ceilings, which carry their own safety margin.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter for the given model name.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		// Character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimateCostUSD converts token counts to an approximate USD cost given
// per-million-token input/output prices.
func EstimateCostUSD(promptTokens, completionTokens int, inputCPM, outputCPM float64) float64 {
	return float64(promptTokens)/1_000_000*inputCPM + float64(completionTokens)/1_000_000*outputCPM
}
