package proxy

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// tokenizerForModel picks a codec for a vendor model id. None of the vendor
// models publish a tokenizer, so this is an approximation for usage reporting.
func tokenizerForModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	if strings.HasPrefix(sanitized, "deepseek") || strings.HasPrefix(sanitized, "qwen") {
		return tokenizer.Get(tokenizer.Cl100kBase)
	}
	return tokenizer.Get(tokenizer.O200kBase)
}

// countTokens approximates the token count of text for usage reporting on
// CLI-backed responses. Best effort, never authoritative; failures count zero.
func countTokens(model, text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	enc, err := tokenizerForModel(model)
	if err != nil {
		return 0
	}
	count, err := enc.Count(text)
	if err != nil {
		return 0
	}
	return count
}
