package selector

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dikkadev/qapt/pkg/backend"
	"github.com/dikkadev/qapt/pkg/engine"
	"github.com/dikkadev/qapt/pkg/engine/enginetest"
)

func newTestBackend(t *testing.T) *backend.Backend {
	t.Helper()

	eng := enginetest.New(
		engine.Record{Name: "vim", Architecture: "amd64", InstalledVersion: "9.0", CandidateVersion: "9.1", Summary: "Vi IMproved - enhanced vi editor"},
		engine.Record{Name: "vim-tiny", Architecture: "amd64", InstalledVersion: "9.1", CandidateVersion: "9.1", Summary: "Vi IMproved - enhanced vi editor - compact version"},
		engine.Record{Name: "neovim", Architecture: "amd64", CandidateVersion: "0.9.5", Summary: strings.Repeat("heavily refactored vim fork ", 10)},
	)
	b := backend.New(eng)
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Failed to init backend: %v", err)
	}
	return b
}

// failingSearcher fails every search
type failingSearcher struct{}

func (failingSearcher) Package(name string) *backend.Package { return nil }

func (failingSearcher) Search(ctx context.Context, query string) ([]*backend.Package, error) {
	return nil, errors.New("index corrupt")
}

func TestPackageItemMethods(t *testing.T) {
	b := newTestBackend(t)

	t.Run("Upgradeable", func(t *testing.T) {
		item := PackageItem{pkg: b.Package("vim")}
		if got := item.Title(); got != "vim" {
			t.Errorf("Title() = %v, want %v", got, "vim")
		}
		expected := "↑ 9.0 → 9.1 | Vi IMproved - enhanced vi editor"
		if got := item.Description(); got != expected {
			t.Errorf("Description() = %v, want %v", got, expected)
		}
	})

	t.Run("Installed", func(t *testing.T) {
		item := PackageItem{pkg: b.Package("vim-tiny")}
		if got := item.Description(); !strings.HasPrefix(got, "✓ 9.1 | ") {
			t.Errorf("Description() = %v, want installed prefix", got)
		}
	})

	t.Run("Description truncation", func(t *testing.T) {
		item := PackageItem{pkg: b.Package("neovim")}
		desc := []rune(item.Description())
		if len(desc) != 100 {
			t.Errorf("Description() length = %v, want 100", len(desc))
		}
		if string(desc[len(desc)-3:]) != "..." {
			t.Error("Long description should end with '...'")
		}
	})

	t.Run("FilterValue", func(t *testing.T) {
		item := PackageItem{pkg: b.Package("neovim")}
		if got := item.FilterValue(); got != "neovim" {
			t.Errorf("FilterValue() = %v, want %v", got, "neovim")
		}
	})
}

func TestSearchPackages(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	testCases := []struct {
		name      string
		searcher  Searcher
		input     string
		want      string
		wantExact bool
		wantError bool
	}{
		{name: "Exact match", searcher: b, input: "vim-tiny", want: "vim-tiny", wantExact: true},
		{name: "Fuzzy match", searcher: b, input: "nvim", want: "neovim"},
		{name: "No results", searcher: b, input: "emacs", wantError: true},
		{name: "Search error", searcher: failingSearcher{}, input: "vim", wantError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pkgs, exact, err := searchPackages(ctx, tc.searcher, tc.input)
			if (err != nil) != tc.wantError {
				t.Errorf("searchPackages() error = %v, wantError %v", err, tc.wantError)
				return
			}
			if tc.wantError {
				return
			}

			if exact != tc.wantExact {
				t.Errorf("searchPackages() exact = %v, want %v", exact, tc.wantExact)
			}
			if len(pkgs) == 0 {
				t.Fatal("searchPackages() returned no packages")
			}
			if pkgs[0].Name() != tc.want {
				t.Errorf("searchPackages() = %v, want %v", pkgs[0].Name(), tc.want)
			}
		})
	}
}

func TestModelUpdate(t *testing.T) {
	b := newTestBackend(t)
	pkgs := []*backend.Package{b.Package("vim"), b.Package("neovim")}

	t.Run("Select", func(t *testing.T) {
		m := newModel(pkgs)
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
		next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyEnter})

		got := next.(model)
		if got.selected == nil || got.selected.Name() != "neovim" {
			t.Errorf("selected = %v, want neovim", got.selected)
		}
		if cmd == nil {
			t.Error("Expected quit command after selection")
		}
	})

	t.Run("Quit", func(t *testing.T) {
		m := newModel(pkgs)
		next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})

		got := next.(model)
		if !got.quitting || got.selected != nil {
			t.Errorf("quitting = %v selected = %v", got.quitting, got.selected)
		}
		if cmd == nil {
			t.Error("Expected quit command")
		}
		if got.View() != "" {
			t.Error("View() should be empty after quitting")
		}
	})
}
