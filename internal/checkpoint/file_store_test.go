package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/session"
)

func TestFileStoreMissingFileIsNone(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", "checkpoint.json"))
	require.NoError(t, err)

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, cp.IsAbsent())
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	want := Checkpoint{
		LastPage:    42,
		Timestamp:   ts,
		Cookies:     []session.Cookie{{Name: "sid", Value: "abc", Domain: "shop.test", Path: "/"}},
		FailedPages: []int{17, 31},
	}
	require.NoError(t, store.Save(context.Background(), want))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	cp, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, 42, cp.LastPage)
	assert.Equal(t, 43, cp.ResumePage())
	assert.True(t, ts.Equal(cp.Timestamp))
	assert.Equal(t, want.Cookies, cp.Cookies)
	assert.Equal(t, []int{17, 31}, cp.FailedPages)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreWritesDocumentedFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), Checkpoint{
		LastPage:  7,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.EqualValues(t, 7, doc["last_page"])
	assert.Equal(t, "2026-01-02T03:04:05Z", doc["timestamp"])
	assert.Equal(t, []any{}, doc["cookies"])
	assert.NotContains(t, doc, "failed_pages")
}

func TestFileStoreClear(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), Checkpoint{LastPage: 3}))
	require.NoError(t, store.Clear(context.Background()))
	require.NoError(t, store.Clear(context.Background()))

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, cp.IsAbsent())
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"last_page": -1}`), 0o600))
	_, err = store.Load(context.Background())
	require.Error(t, err)
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore("  ")
	require.Error(t, err)
}
