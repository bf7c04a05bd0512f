package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/org-harvester/internal/storage/local"
	"github.com/JakeFAU/org-harvester/internal/storage/memory"
)

func TestOpenBackends(t *testing.T) {
	t.Parallel()

	store, closeFn, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	require.IsType(t, &memory.BlobStore{}, store)
	require.NoError(t, closeFn())

	store, closeFn, err = Open(context.Background(), Config{Backend: BackendLocal, BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &local.BlobStore{}, store)
	require.NoError(t, closeFn())

	_, closeFn, err = Open(context.Background(), Config{Backend: BackendLocal})
	require.Error(t, err)
	require.NotNil(t, closeFn)

	_, _, err = Open(context.Background(), Config{Backend: "s3"})
	require.ErrorContains(t, err, "unsupported storage backend")

	_, _, err = Open(context.Background(), Config{Backend: BackendGCS})
	require.Error(t, err)
}
