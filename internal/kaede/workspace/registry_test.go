package workspace

import (
	"errors"
	"strings"
	"testing"
)

func validEntry(id string) Entry {
	return Entry{
		ID:   id,
		Name: "Workspace " + id,
		Credentials: Credentials{
			Homeserver:  "https://matrix.example.org",
			UserID:      "@kaede:example.org",
			AccessToken: "syt_test_token",
		},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := New([]Entry{validEntry("alpha"), validEntry("beta")})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ws, err := r.Resolve("alpha")
	if err != nil {
		t.Fatalf("Resolve(alpha): %v", err)
	}
	if ws.ID != "alpha" || ws.Name != "Workspace alpha" {
		t.Errorf("unexpected workspace: %+v", ws)
	}
	if ws.Client() == nil {
		t.Error("expected workspace to carry a client handle")
	}

	if len(r.All()) != 2 {
		t.Errorf("All() = %d workspaces, want 2", len(r.All()))
	}
}

func TestRegistry_UnknownWorkspaceFailsClosed(t *testing.T) {
	r, err := New([]Entry{validEntry("alpha")})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	_, err = r.Resolve("ghost")
	if !errors.Is(err, ErrUnknownWorkspace) {
		t.Errorf("Resolve(ghost) = %v, want ErrUnknownWorkspace", err)
	}
}

func TestRegistry_RejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"empty", nil},
		{"duplicate ids", []Entry{validEntry("alpha"), validEntry("alpha")}},
		{"blank id", []Entry{{Credentials: validEntry("x").Credentials}}},
		{"missing token", []Entry{{
			ID: "alpha",
			Credentials: Credentials{
				Homeserver: "https://matrix.example.org",
				UserID:     "@kaede:example.org",
			},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.entries); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestRegistry_NameDefaultsToID(t *testing.T) {
	e := validEntry("alpha")
	e.Name = ""
	r, err := New([]Entry{e})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ws, _ := r.Resolve("alpha")
	if ws.Name != "alpha" {
		t.Errorf("Name = %q, want %q", ws.Name, "alpha")
	}
}

func TestRenderMarkdown(t *testing.T) {
	html := renderMarkdown("**bold** and `code`")
	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("expected bold markup in %q", html)
	}
	if !strings.Contains(html, "<code>code</code>") {
		t.Errorf("expected code markup in %q", html)
	}
}
