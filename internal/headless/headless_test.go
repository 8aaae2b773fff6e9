package headless

import "testing"

func TestParseCallback(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCode  string
		wantState string
		wantErr   bool
	}{
		{
			name:      "full url",
			input:     "http://localhost:8087/oauth2callback?code=abc123&state=st1",
			wantCode:  "abc123",
			wantState: "st1",
		},
		{
			name:      "query string with question mark",
			input:     "?code=abc&state=st2",
			wantCode:  "abc",
			wantState: "st2",
		},
		{
			name:      "bare key value pairs",
			input:     "code=xyz&state=st3",
			wantCode:  "xyz",
			wantState: "st3",
		},
		{
			name:     "bare code",
			input:    "  plain-authorization-code  ",
			wantCode: "plain-authorization-code",
		},
		{
			name:    "empty input",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "url without code",
			input:   "http://localhost:8087/oauth2callback?state=only",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := ParseCallback(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cb)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCallback: %v", err)
			}
			if cb.Code != tt.wantCode || cb.State != tt.wantState {
				t.Fatalf("got %+v, want code=%q state=%q", cb, tt.wantCode, tt.wantState)
			}
		})
	}
}

func TestParseCallbackProviderError(t *testing.T) {
	cb, err := ParseCallback("http://localhost:8087/oauth2callback?error=access_denied")
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if cb.Error != "access_denied" {
		t.Fatalf("error = %q, want access_denied", cb.Error)
	}
}

func TestIsHeadlessEnvOverride(t *testing.T) {
	t.Setenv("IFLOW_HEADLESS", "1")
	if !IsHeadless() {
		t.Fatal("expected headless with override set")
	}
}
