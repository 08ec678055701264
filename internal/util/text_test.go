package util

import "testing"

func TestPreview(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		width int
		want  string
	}{
		{"short passes through", "hello world", 20, "hello world"},
		{"collapses whitespace", "a\n  b\tc", 20, "a b c"},
		{"truncates with ellipsis", "abcdefghij", 6, "abcde…"},
		{"zero width disables truncation", "abcdef", 0, "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.in, tt.width); got != tt.want {
				t.Errorf("Preview(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
			}
		})
	}
}

func TestFirstLine(t *testing.T) {
	if got := FirstLine("first\nsecond"); got != "first" {
		t.Errorf("FirstLine = %q, want %q", got, "first")
	}
	if got := FirstLine("  only  "); got != "only" {
		t.Errorf("FirstLine = %q, want %q", got, "only")
	}
}
