package registry

import "testing"

func TestRequiresCLI(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"glm-5", true},
		{"glm-5.1", true},
		{"glm-5-coder", true},
		{"glm-4.6", false},
		{"deepseek-v3", false},
		{"deepseek-r1", false},
		{"qwen3-max", false},
		{"kimi-k2", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := RequiresCLI(tt.model); got != tt.want {
				t.Fatalf("RequiresCLI(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestRequiresCLIIsPure(t *testing.T) {
	for i := 0; i < 100; i++ {
		if !RequiresCLI("glm-5") || RequiresCLI("deepseek-v3") {
			t.Fatal("predicate result changed between calls")
		}
	}
}

func TestIsThinkingModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"glm-5", true},
		{"glm-4.6", true},
		{"deepseek-r1", true},
		{"qwen3-235b-a22b-thinking-2507", true},
		{"qwen3-max", false},
		{"kimi-k2", false},
	}
	for _, tt := range tests {
		if got := IsThinkingModel(tt.model); got != tt.want {
			t.Errorf("IsThinkingModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	m := Lookup("glm-5")
	if m == nil || m.Family != "glm-5" || !m.Reasoning {
		t.Fatalf("unexpected entry %+v", m)
	}
	if Lookup("no-such-model") != nil {
		t.Fatal("expected nil for unknown model")
	}
}

func TestFallbackModelList(t *testing.T) {
	list := FallbackModelList()
	if list.Object != "list" || len(list.Data) != len(Models()) {
		t.Fatalf("unexpected listing %+v", list)
	}
	for _, entry := range list.Data {
		if entry.Object != "model" || entry.OwnedBy != "iflow" || entry.ID == "" {
			t.Fatalf("malformed entry %+v", entry)
		}
	}
}
