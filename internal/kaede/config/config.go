// Package config loads and validates the Kaede configuration document.
//
// Configuration is a YAML file listing the workspace credential pairs and the
// core tuning knobs. The document is validated twice: structurally against an
// embedded JSON schema, then semantically (unique workspace IDs, required
// memory TTL). Credential fields support ${VAR} environment expansion so
// access tokens never have to live in the file itself.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "600s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// WorkspaceConfig is one workspace credential bundle.
type WorkspaceConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// MemoryConfig tunes the conversation memory store.
type MemoryConfig struct {
	// TTL is the sliding expiry window. Required; there is no built-in
	// default because expiry length is a deployment decision.
	TTL           Duration `yaml:"ttl"`
	MaxTurns      int      `yaml:"max_turns"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// RetrievalConfig tunes the retrieval index.
type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

// JobsConfig tunes the async job tracker.
type JobsConfig struct {
	Workers       int `yaml:"workers"`
	MaxScopeItems int `yaml:"max_scope_items"`
}

// LLMConfig configures the chat-completion collaborator.
type LLMConfig struct {
	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in the config document.
	APIKeyEnv string   `yaml:"api_key_env"`
	Endpoint  string   `yaml:"endpoint"`
	Model     string   `yaml:"model"`
	Timeout   Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding collaborator.
type EmbeddingConfig struct {
	APIKeyEnv string   `yaml:"api_key_env"`
	Endpoint  string   `yaml:"endpoint"`
	Model     string   `yaml:"model"`
	Timeout   Duration `yaml:"timeout"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full Kaede configuration document.
type Config struct {
	Workspaces   []WorkspaceConfig `yaml:"workspaces"`
	DatabasePath string            `yaml:"database_path"`
	StatsPath    string            `yaml:"stats_path"`
	Memory       MemoryConfig      `yaml:"memory"`
	Retrieval    RetrievalConfig   `yaml:"retrieval"`
	Jobs         JobsConfig        `yaml:"jobs"`
	LLM          LLMConfig         `yaml:"llm"`
	Embedding    EmbeddingConfig   `yaml:"embedding"`
	Logging      LoggingConfig     `yaml:"logging"`
}

// Defaults applied after parsing. Memory.TTL deliberately has none.
const (
	DefaultMaxTurns      = 50
	DefaultTopK          = 3
	DefaultWorkers       = 4
	DefaultMaxScopeItems = 2000
)

// Load reads, expands, validates, and parses the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a configuration document. It is the canonical entry point
// for loading Kaede configurations; Load is a thin file wrapper around it.
func Parse(raw []byte) (*Config, error) {
	expanded := expandEnv(string(raw))

	if err := validateSchema([]byte(expanded)); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// validate enforces the semantic rules the schema cannot express.
func (c *Config) validate() error {
	if len(c.Workspaces) == 0 {
		return fmt.Errorf("config: at least one workspace is required")
	}
	seen := make(map[string]struct{}, len(c.Workspaces))
	for i, ws := range c.Workspaces {
		if strings.TrimSpace(ws.ID) == "" {
			return fmt.Errorf("config: workspaces[%d]: id must not be empty", i)
		}
		if _, dup := seen[ws.ID]; dup {
			return fmt.Errorf("config: duplicate workspace id %q", ws.ID)
		}
		seen[ws.ID] = struct{}{}
		if ws.Homeserver == "" || ws.UserID == "" || ws.AccessToken == "" {
			return fmt.Errorf("config: workspace %q: credential bundle incomplete (homeserver, user_id, and access_token are all required)", ws.ID)
		}
	}
	if c.Memory.TTL.Std() <= 0 {
		return fmt.Errorf("config: memory.ttl is required and must be positive (no built-in default)")
	}
	return nil
}

// applyDefaults fills the optional knobs.
func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "./kaede.db"
	}
	if c.StatsPath == "" {
		c.StatsPath = "./kaede-stats.bolt"
	}
	if c.Memory.MaxTurns <= 0 {
		c.Memory.MaxTurns = DefaultMaxTurns
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = DefaultTopK
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = DefaultWorkers
	}
	if c.Jobs.MaxScopeItems <= 0 {
		c.Jobs.MaxScopeItems = DefaultMaxScopeItems
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "KAEDE_LLM_API_KEY"
	}
	if c.LLM.Timeout.Std() <= 0 {
		c.LLM.Timeout = Duration(60 * time.Second)
	}
	if c.Embedding.APIKeyEnv == "" {
		c.Embedding.APIKeyEnv = c.LLM.APIKeyEnv
	}
	if c.Embedding.Timeout.Std() <= 0 {
		c.Embedding.Timeout = Duration(30 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// validateSchema checks the YAML document against the embedded JSON schema.
// The YAML is round-tripped through encoding/json so the validator sees
// JSON-typed values.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: normalise for validation: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonBytes, &jsonDoc); err != nil {
		return fmt.Errorf("config: normalise for validation: %w", err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("config: schema validation: %w", err)
	}
	return nil
}

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string, which the credential
// completeness check then rejects with a pointed error.
func expandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}

var schema = jsonschema.MustCompileString("kaede-config.json", schemaJSON)

const schemaJSON = `{
  "type": "object",
  "required": ["workspaces", "memory"],
  "properties": {
    "workspaces": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "homeserver", "user_id", "access_token"],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "homeserver": {"type": "string"},
          "user_id": {"type": "string"},
          "access_token": {"type": "string"}
        }
      }
    },
    "database_path": {"type": "string"},
    "stats_path": {"type": "string"},
    "memory": {
      "type": "object",
      "required": ["ttl"],
      "properties": {
        "ttl": {"type": "string"},
        "max_turns": {"type": "integer", "minimum": 1},
        "sweep_interval": {"type": "string"}
      }
    },
    "retrieval": {
      "type": "object",
      "properties": {
        "top_k": {"type": "integer", "minimum": 1}
      }
    },
    "jobs": {
      "type": "object",
      "properties": {
        "workers": {"type": "integer", "minimum": 1},
        "max_scope_items": {"type": "integer", "minimum": 1}
      }
    },
    "llm": {
      "type": "object",
      "properties": {
        "api_key_env": {"type": "string"},
        "endpoint": {"type": "string"},
        "model": {"type": "string"},
        "timeout": {"type": "string"}
      }
    },
    "embedding": {
      "type": "object",
      "properties": {
        "api_key_env": {"type": "string"},
        "endpoint": {"type": "string"},
        "model": {"type": "string"},
        "timeout": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["text", "json"]}
      }
    }
  }
}`
