package searchindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dikkadev/qapt/pkg/storage"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()

	db, err := storage.OpenDB("file:" + filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ix := New(db, nil)
	require.NoError(t, ix.Initialize(context.Background()))
	return ix
}

var docs = []Document{
	{Name: "vim", Summary: "Vi IMproved - enhanced vi editor", Description: "Vim is an almost compatible version of the UNIX editor Vi."},
	{Name: "nano", Summary: "small, friendly text editor inspired by Pico", Description: "GNU nano is an easy-to-use text editor."},
	{Name: "curl", Summary: "command line tool for transferring data with URL syntax"},
	{Name: "vim-runtime", Summary: "Vi IMproved - Runtime files"},
}

func TestSearch(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	_, err := ix.Search(ctx, "vim", 10)
	require.ErrorIs(t, err, ErrNotBuilt)

	require.NoError(t, ix.Rebuild(ctx, docs, time.Unix(1700000000, 0)))

	tests := []struct {
		name      string
		query     string
		want      []string
		unordered bool
	}{
		{"name match ranks first", "vim", []string{"vim", "vim-runtime"}, false},
		{"description terms", "text editor", []string{"nano"}, false},
		{"prefix", "transfer", []string{"curl"}, false},
		{"quotes are stripped", `"editor`, []string{"vim", "nano"}, true},
		{"no match", "kernel", nil, false},
		{"empty query", "   ", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ix.Search(ctx, tt.query, 10)
			require.NoError(t, err)
			switch {
			case tt.want == nil:
				assert.Empty(t, got)
			case tt.unordered:
				assert.ElementsMatch(t, tt.want, got)
			default:
				assert.Equal(t, tt.want, got)
			}
		})
	}

	limited, err := ix.Search(ctx, "vi", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRebuildReplaces(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Rebuild(ctx, docs, time.Unix(1, 0)))
	require.NoError(t, ix.Rebuild(ctx, docs[:1], time.Unix(2, 0)))

	got, err := ix.Search(ctx, "editor", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"vim"}, got)
}

func TestNeedsUpdate(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	built := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	needs, err := ix.NeedsUpdate(ctx, built)
	require.NoError(t, err)
	assert.True(t, needs, "never built")

	require.NoError(t, ix.Rebuild(ctx, docs, built))

	needs, err = ix.NeedsUpdate(ctx, built)
	require.NoError(t, err)
	assert.False(t, needs, "same modification time")

	needs, err = ix.NeedsUpdate(ctx, built.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, needs, "older cache")

	needs, err = ix.NeedsUpdate(ctx, built.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, needs, "newer cache")

	at, ok, err := ix.BuiltAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at.Equal(built))
}

func TestMatchExpression(t *testing.T) {
	assert.Equal(t, `"vim"* AND "editor"*`, matchExpression("vim editor"))
	assert.Equal(t, `"a"*`, matchExpression(`"a" "`))
	assert.Equal(t, "", matchExpression(""))
}
