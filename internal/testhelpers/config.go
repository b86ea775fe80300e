package testhelpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
)

// WriteConfigFile writes a document to a temp file and returns its path.
func WriteConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// NewTestStore writes the document and loads a store over it.
func NewTestStore(t *testing.T, content string) *config.Store {
	t.Helper()

	store, err := config.NewStore(WriteConfigFile(t, content), NewTestLogger())
	require.NoError(t, err)
	return store
}
