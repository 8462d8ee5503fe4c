package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsStepLog(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "stepd.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='step_log';").Scan(&name)
	require.NoError(t, err)

	// Bootstrapping twice is harmless.
	require.NoError(t, BootstrapSQLite(context.Background(), db))
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestCheckLocal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "stepd.db")

	var inspected string
	err := checkLocalWith(deep, func(p string) (string, error) {
		inspected = p
		return "0xef53", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected, "detector must see the nearest existing parent")

	err = checkLocalWith(deep, func(string) (string, error) { return "NFS", nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network filesystem")

	err = checkLocalWith(deep, func(string) (string, error) { return "", errors.New("unsupported") })
	assert.NoError(t, err)

	assert.Error(t, checkLocalWith("", func(string) (string, error) { return "", nil }))
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"nfs":    true,
		"Lustre": true,
		" gpfs ": true,
		"0x6969": false,
		"ext4":   false,
	}
	for fs, want := range cases {
		assert.Equal(t, want, isNetworkFilesystem(fs), fs)
	}
}
