// Package rag maintains the per-workspace document cache and retrieval
// index. Documents are fingerprinted on ingest, chunked, embedded, and
// persisted to SQLite; queries rank chunk vectors by cosine similarity
// against an in-memory index that is rebuilt from the database at startup.
package rag

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyIndex is returned by Query when the workspace has no live
// documents. Callers treat this as "answer without retrieved context",
// not as a failure.
var ErrEmptyIndex = errors.New("no documents indexed for workspace")

// Document is one ingested source in a workspace.
type Document struct {
	ID          string
	WorkspaceID string
	SourceID    string
	Fingerprint string
	Text        string
	IngestedAt  time.Time
}

// Result is one ranked retrieval hit. Text holds the best-matching chunk
// of the document, not the whole document.
type Result struct {
	DocumentID string
	SourceID   string
	Text       string
	Score      float64
}

type chunkVec struct {
	start, end int
	vec        []float32
}

type docRecord struct {
	id         string
	sourceID   string
	text       string
	ingestedAt time.Time
	tombstoned bool
	chunks     []chunkVec
}

type wsIndex struct {
	// byFingerprint owns the records; bySource maps a source to every
	// fingerprint ever ingested under it so invalidation catches old
	// versions too.
	byFingerprint map[string]*docRecord
	bySource      map[string][]string
}

// Cache is the document cache and retrieval index across all workspaces.
// Reads take a shared lock and never block on ingestion I/O; all database
// work happens outside the lock.
type Cache struct {
	db       *sql.DB
	embedder Embedder
	chunker  Chunker

	mu         sync.RWMutex
	workspaces map[string]*wsIndex

	now func() time.Time
}

// NewCache creates a Cache backed by the given database connection.
// Call Load before serving queries.
func NewCache(db *sql.DB, embedder Embedder, chunker Chunker) *Cache {
	if chunker.Size <= 0 {
		chunker = DefaultChunker
	}
	return &Cache{
		db:         db,
		embedder:   embedder,
		chunker:    chunker,
		workspaces: make(map[string]*wsIndex),
		now:        time.Now,
	}
}

// Fingerprint derives the content identity of a document. The source ID
// participates so identical text ingested from two sources stays two
// documents.
func Fingerprint(sourceID, text string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Load rebuilds the in-memory index from the database. Tombstoned rows are
// compacted away first; they only exist to survive a crash between an
// invalidation and the next restart.
func (c *Cache) Load(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE tombstoned = 1`); err != nil {
		return fmt.Errorf("rag: compact tombstones: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT d.id, d.workspace_id, d.source_id, d.fingerprint, d.text, d.ingested_at,
		       ch.chunk_index, ch.start_offset, ch.end_offset, ch.embedding
		FROM documents d
		JOIN document_chunks ch ON ch.document_id = d.id
		ORDER BY d.id, ch.chunk_index
	`)
	if err != nil {
		return fmt.Errorf("rag: load documents: %w", err)
	}
	defer rows.Close()

	workspaces := make(map[string]*wsIndex)
	count := 0
	for rows.Next() {
		var (
			id, workspaceID, sourceID, fingerprint, text string
			ingestedAt                                   int64
			chunkIndex, start, end                       int
			embeddingJSON                                string
		)
		if err := rows.Scan(&id, &workspaceID, &sourceID, &fingerprint, &text,
			&ingestedAt, &chunkIndex, &start, &end, &embeddingJSON); err != nil {
			return fmt.Errorf("rag: scan document row: %w", err)
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			return fmt.Errorf("rag: decode embedding for document %s: %w", id, err)
		}

		idx := workspaces[workspaceID]
		if idx == nil {
			idx = newWsIndex()
			workspaces[workspaceID] = idx
		}
		rec := idx.byFingerprint[fingerprint]
		if rec == nil {
			rec = &docRecord{
				id:         id,
				sourceID:   sourceID,
				text:       text,
				ingestedAt: time.Unix(ingestedAt, 0).UTC(),
			}
			idx.byFingerprint[fingerprint] = rec
			idx.bySource[sourceID] = append(idx.bySource[sourceID], fingerprint)
			count++
		}
		rec.chunks = append(rec.chunks, chunkVec{start: start, end: end, vec: vec})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rag: iterate document rows: %w", err)
	}

	c.mu.Lock()
	c.workspaces = workspaces
	c.mu.Unlock()

	slog.Info("document index loaded", "documents", count, "workspaces", len(workspaces))
	return nil
}

// Ingest adds a document to the workspace's index. Ingestion is idempotent
// on (workspace, fingerprint): re-ingesting unchanged content returns the
// existing document ID, and re-ingesting content that was invalidated
// earlier revives it instead of duplicating it.
func (c *Cache) Ingest(ctx context.Context, workspaceID, sourceID, text string) (string, error) {
	if text == "" {
		return "", errors.New("rag: empty document text")
	}
	fingerprint := Fingerprint(sourceID, text)

	c.mu.Lock()
	idx := c.workspaces[workspaceID]
	if idx == nil {
		idx = newWsIndex()
		c.workspaces[workspaceID] = idx
	}
	if rec, ok := idx.byFingerprint[fingerprint]; ok {
		revived := rec.tombstoned
		rec.tombstoned = false
		id := rec.id
		c.mu.Unlock()
		if revived {
			if _, err := c.db.ExecContext(ctx,
				`UPDATE documents SET tombstoned = 0 WHERE id = ?`, id); err != nil {
				return "", fmt.Errorf("rag: revive document %s: %w", id, err)
			}
		}
		return id, nil
	}
	c.mu.Unlock()

	// Chunk and embed outside the lock; embedding is the slow part.
	spans := c.chunker.Split(text)
	chunks := make([]chunkVec, 0, len(spans))
	for _, span := range spans {
		vec, err := c.embedder.Embed(ctx, text[span.Start:span.End])
		if err != nil {
			return "", fmt.Errorf("rag: embed chunk of %s: %w", sourceID, err)
		}
		chunks = append(chunks, chunkVec{start: span.Start, end: span.End, vec: vec})
	}

	rec := &docRecord{
		id:         uuid.NewString(),
		sourceID:   sourceID,
		text:       text,
		ingestedAt: c.now().UTC(),
		chunks:     chunks,
	}
	inserted, err := c.persist(ctx, workspaceID, fingerprint, rec)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx = c.workspaces[workspaceID]
	if existing, ok := idx.byFingerprint[fingerprint]; ok {
		// A concurrent ingest of the same content won the race.
		existing.tombstoned = false
		return existing.id, nil
	}
	if !inserted {
		// The row exists on disk but not in memory; a reload will pick it
		// up. Serve the fresh record meanwhile.
		slog.Warn("document row existed without an index entry", "fingerprint", fingerprint)
	}
	idx.byFingerprint[fingerprint] = rec
	idx.bySource[sourceID] = append(idx.bySource[sourceID], fingerprint)
	return rec.id, nil
}

// persist writes the document and its chunks in one transaction. Returns
// false when another writer already stored this fingerprint; chunk rows
// are skipped in that case because they would reference a document ID that
// was never inserted.
func (c *Cache) persist(ctx context.Context, workspaceID, fingerprint string, rec *docRecord) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("rag: begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, workspace_id, source_id, fingerprint, text, ingested_at, tombstoned)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(workspace_id, fingerprint) DO NOTHING
	`, rec.id, workspaceID, rec.sourceID, fingerprint, rec.text, rec.ingestedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("rag: insert document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, tx.Commit()
	}

	for i, ch := range rec.chunks {
		embeddingJSON, err := json.Marshal(ch.vec)
		if err != nil {
			return false, fmt.Errorf("rag: encode embedding: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO document_chunks (document_id, chunk_index, start_offset, end_offset, embedding)
			VALUES (?, ?, ?, ?, ?)
		`, rec.id, i, ch.start, ch.end, string(embeddingJSON))
		if err != nil {
			return false, fmt.Errorf("rag: insert chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("rag: commit ingest: %w", err)
	}
	return true, nil
}

// Invalidate tombstones every document ingested under the given source ID.
// The in-memory flag flips immediately so in-flight queries stop seeing the
// content; the database update follows and is best-effort because Load
// compacts leftovers at the next start.
func (c *Cache) Invalidate(ctx context.Context, workspaceID, sourceID string) int {
	c.mu.Lock()
	idx := c.workspaces[workspaceID]
	var ids []string
	if idx != nil {
		for _, fp := range idx.bySource[sourceID] {
			if rec := idx.byFingerprint[fp]; rec != nil && !rec.tombstoned {
				rec.tombstoned = true
				ids = append(ids, rec.id)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		if _, err := c.db.ExecContext(ctx,
			`UPDATE documents SET tombstoned = 1 WHERE id = ?`, id); err != nil {
			slog.Warn("tombstone persist failed, will compact on restart",
				"document", id, "err", err)
		}
	}
	return len(ids)
}

// Query ranks the workspace's live documents against the query vector and
// returns the top k hits, best first. A document's score is its best chunk
// score. Ties break toward the more recently ingested document.
func (c *Cache) Query(workspaceID string, queryVec []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	c.mu.RLock()
	idx := c.workspaces[workspaceID]
	type candidate struct {
		rec   *docRecord
		best  chunkVec
		score float64
	}
	var candidates []candidate
	if idx != nil {
		for _, rec := range idx.byFingerprint {
			if rec.tombstoned {
				continue
			}
			bestScore := -1.0
			var best chunkVec
			for _, ch := range rec.chunks {
				if s := cosineSimilarity(queryVec, ch.vec); s > bestScore {
					bestScore = s
					best = ch
				}
			}
			if bestScore < 0 {
				continue
			}
			candidates = append(candidates, candidate{rec: rec, best: best, score: bestScore})
		}
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("rag: query workspace %q: %w", workspaceID, ErrEmptyIndex)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rec.ingestedAt.After(candidates[j].rec.ingestedAt)
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	results := make([]Result, k)
	for i := 0; i < k; i++ {
		cand := candidates[i]
		results[i] = Result{
			DocumentID: cand.rec.id,
			SourceID:   cand.rec.sourceID,
			Text:       cand.rec.text[cand.best.start:cand.best.end],
			Score:      cand.score,
		}
	}
	return results, nil
}

// Len reports the number of live documents in a workspace.
func (c *Cache) Len(workspaceID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := c.workspaces[workspaceID]
	if idx == nil {
		return 0
	}
	n := 0
	for _, rec := range idx.byFingerprint {
		if !rec.tombstoned {
			n++
		}
	}
	return n
}

func newWsIndex() *wsIndex {
	return &wsIndex{
		byFingerprint: make(map[string]*docRecord),
		bySource:      make(map[string][]string),
	}
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if the vectors differ in length or either has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
