package helpers

import "testing"

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean ascii", "hello world", "hello world"},
		{"clean multibyte", "héllo wörld", "héllo wörld"},
		{"null byte removed", "hello\x00world", "helloworld"},
		{"leading null", "\x00subject", "subject"},
		{"only nulls", "\x00\x00", ""},
		{"invalid byte removed", "hello\xffworld", "helloworld"},
		{"truncated multibyte", "caf\xc3", "caf"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		if got := SanitizeUTF8(tt.input); got != tt.want {
			t.Errorf("%s: SanitizeUTF8(%q) = %q, want %q", tt.name, tt.input, got, tt.want)
		}
	}
}
