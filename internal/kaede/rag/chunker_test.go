package rag

import (
	"strings"
	"testing"
)

func TestChunker_Split(t *testing.T) {
	c := Chunker{Size: 10, Overlap: 3}

	tests := []struct {
		name string
		text string
		want []Span
	}{
		{"empty", "", nil},
		{"shorter than window", "short", []Span{{0, 5}}},
		{"exact window", strings.Repeat("x", 10), []Span{{0, 10}}},
		{"two windows with overlap", strings.Repeat("x", 15), []Span{{0, 10}, {7, 15}}},
		{"tail window", strings.Repeat("x", 25), []Span{{0, 10}, {7, 17}, {14, 24}, {21, 25}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Split(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("Split produced %d spans %v, want %d %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("span %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunker_SpansCoverText(t *testing.T) {
	c := Chunker{Size: 10, Overlap: 3}
	text := strings.Repeat("abcdefgh", 20)

	spans := c.Split(text)
	covered := make([]bool, len(text))
	for _, s := range spans {
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
			t.Fatalf("invalid span %v for text length %d", s, len(text))
		}
		for i := s.Start; i < s.End; i++ {
			covered[i] = true
		}
	}
	for i, ok := range covered {
		if !ok {
			t.Fatalf("byte %d not covered by any span", i)
		}
	}
}

func TestChunker_ZeroValueFallsBackToDefaults(t *testing.T) {
	var c Chunker
	spans := c.Split(strings.Repeat("x", 6000))
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].End != DefaultChunker.Size {
		t.Errorf("first window ends at %d, want %d", spans[0].End, DefaultChunker.Size)
	}
}
