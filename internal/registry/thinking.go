package registry

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// thinkingRule describes how a model family's request body is adjusted before
// it reaches the vendor. Rules are matched by ID prefix, first match wins.
type thinkingRule struct {
	prefixes []string
	// templateKwargs controls whether chat_template_kwargs with thinking
	// enabled is injected.
	templateKwargs bool
	// budget controls whether a caller-supplied thinking budget is promoted
	// to the top-level thinking_budget field.
	budget bool
}

var thinkingRules = []thinkingRule{
	{prefixes: []string{"glm-4", "glm-5"}, templateKwargs: true, budget: true},
	{prefixes: []string{"deepseek-r1"}, budget: true},
}

// ApplyThinkingConfig rewrites a chat-completion request body for the given
// model. Families without a rule pass through untouched. The input slice is
// never mutated.
func ApplyThinkingConfig(body []byte, modelID string) []byte {
	rule := matchThinkingRule(modelID)
	if rule == nil {
		return body
	}

	out := body
	if rule.templateKwargs {
		out, _ = sjson.SetBytes(out, "chat_template_kwargs.enable_thinking", true)
		out, _ = sjson.SetBytes(out, "chat_template_kwargs.clear_thinking", false)
	}
	if rule.budget {
		if budget := gjson.GetBytes(body, "providerOptions.thinkingConfig.thinkingBudget"); budget.Exists() && budget.Int() > 0 {
			out, _ = sjson.SetBytes(out, "thinking_budget", budget.Int())
		}
	}
	return out
}

func matchThinkingRule(modelID string) *thinkingRule {
	id := strings.TrimSpace(modelID)
	for i := range thinkingRules {
		for _, prefix := range thinkingRules[i].prefixes {
			if strings.HasPrefix(id, prefix) {
				return &thinkingRules[i]
			}
		}
	}
	return nil
}
