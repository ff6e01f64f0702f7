package config

import (
	"strings"
	"testing"
	"time"
)

const validDoc = `
workspaces:
  - id: home
    name: Home
    homeserver: https://matrix.example.com
    user_id: "@kaede:example.com"
    access_token: syt_sekrit_token
memory:
  ttl: 600s
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(cfg.Workspaces) != 1 {
		t.Fatalf("expected 1 workspace, got %d", len(cfg.Workspaces))
	}
	if cfg.Memory.TTL.Std() != 600*time.Second {
		t.Errorf("TTL = %v, want 600s", cfg.Memory.TTL.Std())
	}

	// Defaults applied.
	if cfg.Memory.MaxTurns != DefaultMaxTurns {
		t.Errorf("MaxTurns = %d, want %d", cfg.Memory.MaxTurns, DefaultMaxTurns)
	}
	if cfg.Retrieval.TopK != DefaultTopK {
		t.Errorf("TopK = %d, want %d", cfg.Retrieval.TopK, DefaultTopK)
	}
	if cfg.Jobs.Workers != DefaultWorkers {
		t.Errorf("Workers = %d, want %d", cfg.Jobs.Workers, DefaultWorkers)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %q/%q, want info/text", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestParse_MissingTTL(t *testing.T) {
	doc := `
workspaces:
  - id: home
    homeserver: https://matrix.example.com
    user_id: "@kaede:example.com"
    access_token: syt_tok
memory: {}
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected error for missing memory.ttl, got nil")
	}
	if !strings.Contains(err.Error(), "ttl") {
		t.Errorf("error %q does not mention ttl", err)
	}
}

func TestParse_DuplicateWorkspaceID(t *testing.T) {
	doc := `
workspaces:
  - id: home
    homeserver: https://a.example.com
    user_id: "@kaede:a.example.com"
    access_token: tok_a
  - id: home
    homeserver: https://b.example.com
    user_id: "@kaede:b.example.com"
    access_token: tok_b
memory:
  ttl: 120s
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected error for duplicate workspace id, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error %q does not mention duplicate", err)
	}
}

func TestParse_IncompleteCredentials(t *testing.T) {
	doc := `
workspaces:
  - id: home
    homeserver: https://matrix.example.com
    user_id: "@kaede:example.com"
    access_token: ""
memory:
  ttl: 120s
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("expected error for incomplete credentials, got nil")
	}
}

func TestParse_NoWorkspaces(t *testing.T) {
	doc := `
workspaces: []
memory:
  ttl: 120s
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for empty workspace list, got nil")
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("KAEDE_TEST_TOKEN", "syt_from_env")

	doc := `
workspaces:
  - id: home
    homeserver: https://matrix.example.com
    user_id: "@kaede:example.com"
    access_token: ${KAEDE_TEST_TOKEN}
memory:
  ttl: 300s
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got := cfg.Workspaces[0].AccessToken; got != "syt_from_env" {
		t.Errorf("AccessToken = %q, want env-expanded value", got)
	}
}

func TestParse_UnsetEnvRejected(t *testing.T) {
	doc := `
workspaces:
  - id: home
    homeserver: https://matrix.example.com
    user_id: "@kaede:example.com"
    access_token: ${KAEDE_DEFINITELY_UNSET_VAR}
memory:
  ttl: 300s
`
	// The unset variable expands to "", which fails the completeness check.
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for unset credential variable, got nil")
	}
}

func TestParse_BadDuration(t *testing.T) {
	doc := `
workspaces:
  - id: home
    homeserver: https://matrix.example.com
    user_id: "@kaede:example.com"
    access_token: tok
memory:
  ttl: "ten minutes"
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
}

func TestParse_SchemaRejectsWrongType(t *testing.T) {
	doc := `
workspaces: "not-a-list"
memory:
  ttl: 300s
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected schema validation error, got nil")
	}
}
