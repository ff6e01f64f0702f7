package redact

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		sensitive []string
		want      string
	}{
		{
			name:      "single token",
			input:     "send failed: token syt_abc123 rejected",
			sensitive: []string{"syt_abc123"},
			want:      "send failed: token [REDACTED] rejected",
		},
		{
			name:      "multiple values",
			input:     "key=sk-one token=syt_two",
			sensitive: []string{"sk-one", "syt_two"},
			want:      "key=[REDACTED] token=[REDACTED]",
		},
		{
			name:      "short values skipped",
			input:     "status ok",
			sensitive: []string{"ok"},
			want:      "status ok",
		},
		{
			name:      "no sensitive values",
			input:     "plain message",
			sensitive: nil,
			want:      "plain message",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := String(tt.input, tt.sensitive...)
			if got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestString_RepeatedOccurrences(t *testing.T) {
	got := String("abcd then abcd again", "abcd")
	if strings.Contains(got, "abcd") {
		t.Errorf("expected all occurrences redacted, got %q", got)
	}
}
