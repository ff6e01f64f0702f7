package workspace

// syncstore.go implements mautrix.SyncStore backed by the shared SQLite
// database. Persisting the next_batch token across restarts prevents a
// workspace from replaying old room history and re-answering messages that
// were already handled in a previous run.

import (
	"context"
	"database/sql"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*dbSyncStore)(nil)

// dbSyncStore stores each value as a row in the sync_state table keyed by
// (scope, key). The scope is the workspace's bot account, which keeps
// multiple workspaces sharing one database file from clobbering each
// other's tokens.
type dbSyncStore struct {
	db    *sql.DB
	scope string
}

func newDBSyncStore(db *sql.DB, scope string) *dbSyncStore {
	return &dbSyncStore{db: db, scope: scope}
}

func (s *dbSyncStore) SaveFilterID(ctx context.Context, _ id.UserID, filterID string) error {
	return s.saveKey(ctx, "filter_id", filterID)
}

// LoadFilterID returns ("", nil) when no filter has been saved yet.
func (s *dbSyncStore) LoadFilterID(ctx context.Context, _ id.UserID) (string, error) {
	return s.loadKey(ctx, "filter_id")
}

// SaveNextBatch persists the opaque /sync next_batch token so the workspace
// resumes from the correct position after a restart.
func (s *dbSyncStore) SaveNextBatch(ctx context.Context, _ id.UserID, nextBatchToken string) error {
	return s.saveKey(ctx, "next_batch", nextBatchToken)
}

// LoadNextBatch returns ("", nil) when no token has been saved yet.
func (s *dbSyncStore) LoadNextBatch(ctx context.Context, _ id.UserID) (string, error) {
	return s.loadKey(ctx, "next_batch")
}

func (s *dbSyncStore) saveKey(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (scope, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value
	`, s.scope, key, value)
	return err
}

func (s *dbSyncStore) loadKey(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_state WHERE scope = ? AND key = ?
	`, s.scope, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
