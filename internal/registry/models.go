// Package registry holds the static iFlow model table and the routing and
// request-shaping rules derived from it: which models must be served through
// the local CLI, which families support thinking, and the fallback model
// listing used when the vendor API is unreachable.
package registry

import (
	"regexp"
	"strings"
)

// Model describes one entry of the static model table.
type Model struct {
	ID        string
	Name      string
	Family    string
	Context   int
	Output    int
	Reasoning bool
	ToolCall  bool
	Vision    bool

	// ThinkingBudgets maps effort variants to token budgets for models that
	// expose tunable reasoning depth.
	ThinkingBudgets map[string]int64
}

var defaultThinkingBudgets = map[string]int64{
	"low":    1024,
	"medium": 8192,
	"max":    32768,
}

var models = []Model{
	{ID: "glm-5", Name: "GLM-5", Family: "glm-5", Context: 256000, Output: 64000, Reasoning: true, ToolCall: true, Vision: true, ThinkingBudgets: defaultThinkingBudgets},
	{ID: "glm-5.1", Name: "GLM-5.1", Family: "glm-5", Context: 512000, Output: 128000, Reasoning: true, ToolCall: true, Vision: true, ThinkingBudgets: defaultThinkingBudgets},
	{ID: "glm-5.2", Name: "GLM-5.2", Family: "glm-5", Context: 512000, Output: 128000, Reasoning: true, ToolCall: true, Vision: true, ThinkingBudgets: defaultThinkingBudgets},
	{ID: "glm-5-coder", Name: "GLM-5 Coder", Family: "glm-5-coder", Context: 256000, Output: 64000, Reasoning: true, ToolCall: true},
	{ID: "glm-4.6", Name: "GLM-4.6 Thinking", Family: "glm-4", Context: 200000, Output: 128000, Reasoning: true, ToolCall: true, Vision: true, ThinkingBudgets: defaultThinkingBudgets},
	{ID: "qwen3-max", Name: "Qwen3 Max", Family: "qwen3", Context: 256000, Output: 32000, ToolCall: true},
	{ID: "qwen3-coder-plus", Name: "Qwen3 Coder Plus", Family: "qwen3-coder", Context: 1000000, Output: 64000, ToolCall: true},
	{ID: "qwen3-vl-plus", Name: "Qwen3 VL Plus", Family: "qwen3-vl", Context: 256000, Output: 32000, Vision: true},
	{ID: "qwen3-32b", Name: "Qwen3 32B", Family: "qwen3", Context: 128000, Output: 32000, ToolCall: true},
	{ID: "qwen3-235b-a22b-thinking-2507", Name: "Qwen3 235B Thinking", Family: "qwen3-thinking", Context: 256000, Output: 64000, Reasoning: true, ToolCall: true, ThinkingBudgets: defaultThinkingBudgets},
	{ID: "kimi-k2", Name: "Kimi K2", Family: "kimi", Context: 128000, Output: 64000, ToolCall: true},
	{ID: "kimi-k2-0905", Name: "Kimi K2 0905", Family: "kimi", Context: 256000, Output: 64000, ToolCall: true},
	{ID: "deepseek-v3", Name: "DeepSeek V3", Family: "deepseek", Context: 128000, Output: 32000, ToolCall: true},
	{ID: "deepseek-v3.2", Name: "DeepSeek V3.2", Family: "deepseek", Context: 128000, Output: 64000, ToolCall: true},
	{ID: "deepseek-r1", Name: "DeepSeek R1", Family: "deepseek-r", Context: 128000, Output: 32000, Reasoning: true, ToolCall: true, ThinkingBudgets: defaultThinkingBudgets},
	{ID: "iflow-rome-30ba3b", Name: "iFlow ROME 30B", Family: "iflow-rome", Context: 256000, Output: 64000},
}

// cliRequiredPatterns matches model families that the vendor only serves
// through the local CLI session, never over the public API.
var cliRequiredPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^glm-5`),
}

var thinkingModelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^glm-5`),
	regexp.MustCompile(`^glm-4\.6`),
	regexp.MustCompile(`^glm-4\.7`),
	regexp.MustCompile(`^glm-4`),
	regexp.MustCompile(`deepseek-r`),
	regexp.MustCompile(`thinking`),
	regexp.MustCompile(`reasoning`),
}

// Models returns the static model table.
func Models() []Model {
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// Lookup returns the table entry for a model ID, or nil when unknown.
func Lookup(modelID string) *Model {
	for i := range models {
		if models[i].ID == modelID {
			m := models[i]
			return &m
		}
	}
	return nil
}

// RequiresCLI reports whether the model must be served by the local CLI
// subprocess instead of the vendor HTTPS API. The decision depends only on
// the model ID.
func RequiresCLI(modelID string) bool {
	id := strings.TrimSpace(modelID)
	for _, pattern := range cliRequiredPatterns {
		if pattern.MatchString(id) {
			return true
		}
	}
	return false
}

// IsThinkingModel reports whether the model exposes reasoning output.
func IsThinkingModel(modelID string) bool {
	id := strings.TrimSpace(modelID)
	for _, pattern := range thinkingModelPatterns {
		if pattern.MatchString(id) {
			return true
		}
	}
	return false
}
