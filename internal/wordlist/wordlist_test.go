package wordlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDefaultsWritesBuiltins(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "wordlists"))

	require.NoError(t, m.EnsureDefaults())

	for _, name := range []string{Common, Subdomains} {
		path, err := m.Path(name)
		require.NoError(t, err)
		entries, err := m.Load(name)
		require.NoError(t, err)
		assert.NotEmpty(t, entries, "%s should not be empty", path)
	}
}

func TestEnsureDefaultsKeepsUserFiles(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, Common), []byte("mine\n"), 0o644))

	require.NoError(t, m.EnsureDefaults())

	entries, err := m.Load(Common)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, entries)
}

func TestLoadSkipsCommentsAndBlanks(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	content := "# header\n\nadmin\n  login  \n# trailing\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.txt"), []byte(content), 0o644))

	entries, err := m.Load("custom.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "login"}, entries)
}

func TestPathMissingList(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.Path("nope.txt")
	assert.Error(t, err)
}
