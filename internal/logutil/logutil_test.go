package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "session-abc123", "session-abc123"},
		{"newline", "abc\ninjected=true", "abc injected=true"},
		{"crlf", "abc\r\ndef", "abc  def"},
		{"tab", "abc\tdef", "abc def"},
		{"control chars", "abc\x1b[2Jdef", "abc[2Jdef"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
