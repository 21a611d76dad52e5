package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := NewFileStore(filepath.Join(dir, "files"))
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "kv.db"))
	require.NoError(t, err)

	stores := map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"memory": NewMemoryStore(),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("missing")
			require.Error(t, err)
			assert.True(t, IsNotFound(err))

			require.NoError(t, s.Set("mini-chat-messages-default", []byte(`[1]`)))
			require.NoError(t, s.Set("mini-chat-messages-mentor", []byte(`[2]`)))
			require.NoError(t, s.Set("mini-chat-user-persona", []byte(`"p"`)))

			got, err := s.Get("mini-chat-messages-mentor")
			require.NoError(t, err)
			assert.Equal(t, `[2]`, string(got))

			require.NoError(t, s.Set("mini-chat-messages-mentor", []byte(`[3]`)))
			got, err = s.Get("mini-chat-messages-mentor")
			require.NoError(t, err)
			assert.Equal(t, `[3]`, string(got))

			keys, err := s.Keys("mini-chat-messages-")
			require.NoError(t, err)
			assert.Equal(t, []string{"mini-chat-messages-default", "mini-chat-messages-mentor"}, keys)

			require.NoError(t, s.Delete("mini-chat-messages-default"))
			require.NoError(t, s.Delete("mini-chat-messages-default"))
			keys, err = s.Keys("mini-chat-messages-")
			require.NoError(t, err)
			assert.Equal(t, []string{"mini-chat-messages-mentor"}, keys)
		})
	}
}

func TestStoreJSONHelpers(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, SetJSON(s, "ids", []string{"default", "friend"}))

	var ids []string
	require.NoError(t, GetJSON(s, "ids", &ids))
	assert.Equal(t, []string{"default", "friend"}, ids)

	require.NoError(t, s.Set("broken", []byte("{")))
	assert.Error(t, GetJSON(s, "broken", &ids))
	assert.True(t, IsNotFound(GetJSON(s, "nope", &ids)))
}

func TestFileStoreEscapesKeysAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Set("a/b c", []byte("x")))
	require.NoError(t, fs.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("a/b c")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))

	keys, err := reopened.Keys("a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b c"}, keys)
}

func TestSQLiteKeysPrefixIsLiteral(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("a_b", []byte("1")))
	require.NoError(t, s.Set("axb", []byte("2")))
	require.NoError(t, s.Set("A_B", []byte("3")))

	keys, err := s.Keys("a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keys)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"file", "sqlite", "memory"} {
		s, err := Open(backend, dir)
		require.NoError(t, err, backend)
		require.NoError(t, s.Close())
	}
	_, err := Open("redis", dir)
	assert.Error(t, err)
}
