package bboltstore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sealdoc/sealdoc/storage/bboltstore"
	"github.com/sealdoc/sealdoc/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		store, err := bboltstore.Open(filepath.Join(t.TempDir(), "sealdoc.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpenRejectsBadPath(t *testing.T) {
	_, err := bboltstore.Open(filepath.Join(t.TempDir(), "missing", "sealdoc.db"), nil)
	require.Error(t, err)
}
