package rag

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bdobrica/Kaede/internal/kaede/store"
)

// stubEmbedder maps known texts to fixed vectors so similarity ordering is
// deterministic. Unknown texts get a zero-adjacent vector.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0.01, 0.01, 0.01}, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}

func newTestCache(t *testing.T, emb Embedder) *Cache {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "rag.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewCache(s.DB(), emb, Chunker{Size: 100, Overlap: 10})
}

func TestCache_IngestAndQuery(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"how to reset a password": {1, 0, 0},
		"billing escalation steps": {0, 1, 0},
	}}
	c := newTestCache(t, emb)
	ctx := context.Background()

	if _, err := c.Ingest(ctx, "ws1", "doc:reset", "how to reset a password"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := c.Ingest(ctx, "ws1", "doc:billing", "billing escalation steps"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	results, err := c.Query("ws1", []float32{0.9, 0.1, 0}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != "doc:reset" {
		t.Errorf("expected doc:reset as best hit, got %+v", results)
	}
	if results[0].Text != "how to reset a password" {
		t.Errorf("unexpected chunk text %q", results[0].Text)
	}
}

func TestCache_IngestIdempotent(t *testing.T) {
	c := newTestCache(t, &stubEmbedder{})
	ctx := context.Background()

	id1, err := c.Ingest(ctx, "ws1", "doc:a", "same content")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	id2, err := c.Ingest(ctx, "ws1", "doc:a", "same content")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if id1 != id2 {
		t.Errorf("re-ingest returned new id %q, want %q", id2, id1)
	}
	if got := c.Len("ws1"); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}

func TestCache_WorkspaceIsolation(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"alpha doc": {1, 0, 0},
	}}
	c := newTestCache(t, emb)
	ctx := context.Background()

	if _, err := c.Ingest(ctx, "ws1", "doc:a", "alpha doc"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	_, err := c.Query("ws2", []float32{1, 0, 0}, 3)
	if !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("query against other workspace = %v, want ErrEmptyIndex", err)
	}
}

func TestCache_InvalidateHidesAndReingestRevives(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"stale runbook": {1, 0, 0},
	}}
	c := newTestCache(t, emb)
	ctx := context.Background()

	id, err := c.Ingest(ctx, "ws1", "doc:runbook", "stale runbook")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if n := c.Invalidate(ctx, "ws1", "doc:runbook"); n != 1 {
		t.Fatalf("Invalidate = %d, want 1", n)
	}
	if _, err := c.Query("ws1", []float32{1, 0, 0}, 1); !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("tombstoned document still served: %v", err)
	}

	revived, err := c.Ingest(ctx, "ws1", "doc:runbook", "stale runbook")
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if revived != id {
		t.Errorf("revive returned new id %q, want %q", revived, id)
	}
	if _, err := c.Query("ws1", []float32{1, 0, 0}, 1); err != nil {
		t.Errorf("revived document not queryable: %v", err)
	}
}

func TestCache_LoadRebuildsAndCompacts(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"kept doc":    {1, 0, 0},
		"dropped doc": {0, 1, 0},
	}}
	s, err := store.New(filepath.Join(t.TempDir(), "rag.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	c1 := NewCache(s.DB(), emb, Chunker{Size: 100, Overlap: 10})
	if _, err := c1.Ingest(ctx, "ws1", "doc:kept", "kept doc"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := c1.Ingest(ctx, "ws1", "doc:dropped", "dropped doc"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	c1.Invalidate(ctx, "ws1", "doc:dropped")

	// A second cache over the same database simulates a restart.
	c2 := NewCache(s.DB(), emb, Chunker{Size: 100, Overlap: 10})
	if err := c2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c2.Len("ws1"); got != 1 {
		t.Errorf("Len after reload = %d, want 1", got)
	}
	results, err := c2.Query("ws1", []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("query after reload: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != "doc:kept" {
		t.Errorf("unexpected survivors after compaction: %+v", results)
	}

	var tombstoned int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM documents WHERE tombstoned = 1`).Scan(&tombstoned); err != nil {
		t.Fatalf("count tombstones: %v", err)
	}
	if tombstoned != 0 {
		t.Errorf("tombstoned rows survived compaction: %d", tombstoned)
	}
}

func TestCache_EmbedFailureDoesNotPoisonIndex(t *testing.T) {
	c := newTestCache(t, failingEmbedder{})
	ctx := context.Background()

	if _, err := c.Ingest(ctx, "ws1", "doc:a", "some content"); err == nil {
		t.Fatal("expected ingest error when embedding fails")
	}
	if got := c.Len("ws1"); got != 0 {
		t.Errorf("failed ingest left %d documents in index", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
