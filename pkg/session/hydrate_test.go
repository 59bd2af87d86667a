package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory_pack.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func hydrate(t *testing.T, path string, maxBytes int64, store *Store) int {
	t.Helper()
	h := NewHydrator(HydratorConfig{Path: path, MaxBytes: maxBytes, Store: store, Logger: zerolog.Nop()})
	return h.Hydrate(context.Background())
}

func TestHydrate_SkipsEntryWithoutID(t *testing.T) {
	path := writeFile(t, `{
		"schema": "aleph.memory_pack.v1",
		"sessions": [
			{"context_id": "doc-a", "context": "alpha"},
			{"context": "no id at all"},
			{"session_id": "doc-b", "context": "beta", "unknown_field": true}
		]
	}`)
	store := NewStore()

	restored := hydrate(t, path, 0, store)

	assert.Equal(t, 2, restored)
	assert.Equal(t, []string{"doc-a", "doc-b"}, store.IDs())
	b, ok := store.Get("doc-b")
	require.True(t, ok)
	assert.Equal(t, "beta", b.Context)
}

func TestHydrate_IDPrecedence(t *testing.T) {
	path := writeFile(t, `{
		"schema": "aleph.memory_pack.v1",
		"sessions": [
			{"context_id": "ctx", "session_id": "sess"},
			{"context_id": "", "session_id": "fallback"},
			{"context_id": null, "session_id": ""},
			{"session_id": 42}
		]
	}`)
	store := NewStore()

	restored := hydrate(t, path, 0, store)

	assert.Equal(t, 4, restored)
	assert.Equal(t, []string{"ctx", "fallback", "session_3", "42"}, store.IDs())
}

func TestHydrate_FirstRegistrationWins(t *testing.T) {
	path := writeFile(t, `{
		"schema": "aleph.memory_pack.v1",
		"sessions": [
			{"context_id": "dup", "context": "from pack"},
			{"context_id": "dup", "context": "second copy"}
		]
	}`)
	store := NewStore()
	store.Register(&Session{ID: "dup", Context: "live"})

	restored := hydrate(t, path, 0, store)

	assert.Equal(t, 0, restored)
	got, _ := store.Get("dup")
	assert.Equal(t, "live", got.Context)
}

func TestHydrate_SkipsBrokenEntries(t *testing.T) {
	path := writeFile(t, `{
		"schema": "aleph.memory_pack.v1",
		"sessions": [
			"not an object",
			{"context_id": "bad-time", "created_at": "yesterday"},
			{"context_id": "bad-tasks", "tasks": "none"},
			{"context_id": "bad-status", "tasks": [{"id": 1, "title": "x", "status": "lost"}]},
			{"context_id": "good", "created_at": "2025-01-02T03:04:05Z",
			 "variables": {"n": 3},
			 "evidence": [{"source": "a.go", "content": "x", "line_start": 4}],
			 "tasks": [{"id": 2, "title": "check", "status": "done"}]}
		]
	}`)
	store := NewStore()

	restored := hydrate(t, path, 0, store)

	require.Equal(t, 1, restored)
	got, ok := store.Get("good")
	require.True(t, ok)
	assert.Equal(t, 2025, got.CreatedAt.Year())
	require.Len(t, got.Evidence, 1)
	assert.Equal(t, 4, got.Evidence[0].LineStart)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, TaskDone, got.Tasks[0].Status)
	assert.Contains(t, got.Variables, "n")
}

func TestHydrate_NoOpCases(t *testing.T) {
	big := `{"schema": "aleph.memory_pack.v1", "sessions": [{"context_id": "x", "context": "` + strings.Repeat("a", 256) + `"}]}`

	tests := []struct {
		name     string
		content  string
		maxBytes int64
	}{
		{"not json", `{"schema": `, 0},
		{"not an object", `["aleph.memory_pack.v1"]`, 0},
		{"null document", `null`, 0},
		{"missing schema", `{"sessions": [{"context_id": "x"}]}`, 0},
		{"wrong schema", `{"schema": "aleph.memory_pack.v0", "sessions": [{"context_id": "x"}]}`, 0},
		{"schema not a string", `{"schema": 1, "sessions": [{"context_id": "x"}]}`, 0},
		{"sessions not a list", `{"schema": "aleph.memory_pack.v1", "sessions": {"context_id": "x"}}`, 0},
		{"sessions missing", `{"schema": "aleph.memory_pack.v1"}`, 0},
		{"too large", big, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			restored := hydrate(t, writeFile(t, tt.content), tt.maxBytes, store)
			assert.Equal(t, 0, restored)
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestHydrate_MissingOrDirectory(t *testing.T) {
	store := NewStore()
	dir := t.TempDir()

	assert.Equal(t, 0, hydrate(t, filepath.Join(dir, "absent.json"), 0, store))
	assert.Equal(t, 0, hydrate(t, dir, 0, store))
	assert.Equal(t, 0, hydrate(t, "", 0, store))
	assert.Equal(t, 0, hydrate(t, filepath.Join(dir, "x.json"), 0, nil))
}

func TestHydrate_RunsOnce(t *testing.T) {
	path := writeFile(t, `{"schema": "aleph.memory_pack.v1", "sessions": [{"context_id": "a"}]}`)
	store := NewStore()
	h := NewHydrator(HydratorConfig{Path: path, Store: store, Logger: zerolog.Nop()})

	assert.Equal(t, 1, h.Hydrate(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`{"schema": "aleph.memory_pack.v1", "sessions": [{"context_id": "b"}]}`), 0600))
	assert.Equal(t, 0, h.Hydrate(context.Background()))
	assert.Equal(t, []string{"a"}, store.IDs())
}
