package session_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	tdsession "github.com/gotd/td/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgworker/internal/adapters/telegram/session"
	"tgworker/internal/infra/storage"
)

func TestFileStorageRoundTrip(t *testing.T) {
	t.Parallel()

	dir, err := session.NewDir(t.TempDir())
	require.NoError(t, err)
	fs, err := dir.Storage("7")
	require.NoError(t, err)

	_, err = fs.LoadSession(context.Background())
	require.ErrorIs(t, err, tdsession.ErrNotFound)

	require.NoError(t, fs.StoreSession(context.Background(), []byte(`{"Version":1}`)))
	data, err := fs.LoadSession(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"Version":1}`, string(data))

	info, err := os.Stat(dir.Path("7"))
	require.NoError(t, err)
	assert.Equal(t, storage.FilePerm, info.Mode().Perm())

	same, err := dir.Storage("7")
	require.NoError(t, err)
	assert.Same(t, fs, same)
}

func TestDirListExistsRemove(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir, err := session.NewDir(root)
	require.NoError(t, err)

	for _, id := range []string{"b", "a"} {
		fs, err := dir.Storage(id)
		require.NoError(t, err)
		require.NoError(t, fs.StoreSession(context.Background(), []byte("x")))
	}
	// Пустой файл, посторонний файл и некорректное имя игнорируются.
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.session"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad id.session"), []byte("x"), 0o600))

	ids, err := dir.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	assert.True(t, dir.Exists("a"))
	assert.False(t, dir.Exists("empty"))
	assert.False(t, dir.Exists("../a"))

	require.NoError(t, dir.Remove("a"))
	require.NoError(t, dir.Remove("a"))
	assert.False(t, dir.Exists("a"))
}

func TestStorageRejectsUnsafeTenant(t *testing.T) {
	t.Parallel()

	dir, err := session.NewDir(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../etc", "a/b", "x y"} {
		_, err := dir.Storage(id)
		assert.ErrorIs(t, err, session.ErrInvalidTenant, id)
	}
	assert.True(t, session.ValidTenant("tenant-7_a"))
}
