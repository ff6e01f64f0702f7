// Package workspace maps workspace identifiers to credential bundles and
// isolated Matrix client handles.
//
// The registry is loaded once at startup and never mutated afterwards, so
// Resolve is safe for concurrent use without locking. There is deliberately
// no fallback to a "default" workspace: an event carrying an unknown
// workspace ID must fail closed at the dispatcher, never be guessed.
package workspace

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownWorkspace is returned by Resolve for workspace IDs that were not
// present in the configuration at load time.
var ErrUnknownWorkspace = errors.New("unknown workspace id")

// Credentials is the bundle needed to act as the bot inside one workspace.
type Credentials struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// complete reports whether every credential field is present.
func (c Credentials) complete() bool {
	return c.Homeserver != "" && c.UserID != "" && c.AccessToken != ""
}

// Entry is one workspace definition supplied at load time.
type Entry struct {
	ID   string
	Name string
	Credentials
}

// Workspace is an immutable per-tenant context: identity plus an isolated
// client handle carrying that tenant's credentials.
type Workspace struct {
	ID     string
	Name   string
	UserID string

	client *Client
}

// Client returns the workspace's Matrix client handle.
func (w *Workspace) Client() *Client {
	return w.client
}

// Registry resolves workspace IDs to their contexts.
type Registry struct {
	byID map[string]*Workspace
	all  []*Workspace
}

// New builds a Registry from the configured entries. It rejects duplicate
// workspace IDs and incomplete credential bundles so a misconfigured process
// never starts half-attached.
func New(entries []Entry) (*Registry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("workspace: no workspaces configured")
	}

	r := &Registry{byID: make(map[string]*Workspace, len(entries))}
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("workspace: empty workspace id")
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("workspace: duplicate workspace id %q", id)
		}
		if !e.complete() {
			return nil, fmt.Errorf("workspace %q: incomplete credential bundle", id)
		}

		client, err := NewClient(ClientConfig{
			Homeserver:  e.Homeserver,
			UserID:      e.UserID,
			AccessToken: e.AccessToken,
		})
		if err != nil {
			return nil, fmt.Errorf("workspace %q: create client: %w", id, err)
		}

		name := e.Name
		if name == "" {
			name = id
		}
		ws := &Workspace{
			ID:     id,
			Name:   name,
			UserID: e.UserID,
			client: client,
		}
		r.byID[id] = ws
		r.all = append(r.all, ws)
	}
	return r, nil
}

// Resolve returns the workspace context for the given ID.
// Returns ErrUnknownWorkspace when the ID was not configured.
func (r *Registry) Resolve(workspaceID string) (*Workspace, error) {
	ws, ok := r.byID[workspaceID]
	if !ok {
		return nil, fmt.Errorf("workspace: resolve %q: %w", workspaceID, ErrUnknownWorkspace)
	}
	return ws, nil
}

// All returns every configured workspace in load order.
func (r *Registry) All() []*Workspace {
	return r.all
}
