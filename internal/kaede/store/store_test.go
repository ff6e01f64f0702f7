package store

import (
	"path/filepath"
	"testing"
)

func TestNew_AppliesMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kaede.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"documents", "document_chunks", "analysis_jobs", "sync_state"} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestNew_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kaede.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Reopening must not re-apply migrations.
	s2, err := New(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 recorded migrations, got %d", count)
	}
}

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		name        string
		wantVersion int
		wantDesc    string
		wantOK      bool
	}{
		{"0001_documents.sql", 1, "documents", true},
		{"0002_jobs.sql", 2, "jobs", true},
		{"notes.txt", 0, "", false},
		{"nounderscores.sql", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, d, ok := parseMigrationName(tt.name)
			if ok != tt.wantOK || v != tt.wantVersion || d != tt.wantDesc {
				t.Errorf("parseMigrationName(%q) = (%d, %q, %v), want (%d, %q, %v)",
					tt.name, v, d, ok, tt.wantVersion, tt.wantDesc, tt.wantOK)
			}
		})
	}
}
