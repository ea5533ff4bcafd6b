package artifacts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreConfigFromEnv_Default(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", tmpDir)

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(tmpDir, "artifacts"), fs.baseDir)
}

func TestStoreConfigFromEnv_S3(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "receipts")
	t.Setenv("ARTIFACT_S3_REGION", "")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("ARTIFACT_S3_PREFIX", "toolcalls/")

	cfg := StoreConfigFromEnv()
	assert.Equal(t, StoreTypeS3, cfg.Type)
	assert.Equal(t, S3StoreConfig{Bucket: "receipts", Region: "eu-west-1", Prefix: "toolcalls/"}, cfg.S3)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, StoreConfig{Type: StoreTypeS3})
	assert.ErrorContains(t, err, "ARTIFACT_S3_BUCKET is required")

	_, err = Open(ctx, StoreConfig{Type: StoreTypeGCS})
	assert.ErrorContains(t, err, "ARTIFACT_GCS_BUCKET is required")

	_, err = Open(ctx, StoreConfig{Type: "azure"})
	assert.ErrorContains(t, err, "unsupported artifact storage type")
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte(`{"schemaVersion":"x"}`)

	ref, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, RefOf(data), ref)

	again, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, ref))
	require.NoError(t, store.Delete(ctx, ref))
	ok, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_InvalidRef(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, "invalid-hash")
	assert.ErrorContains(t, err, "invalid hash format")

	_, err = store.Exists(ctx, "sha256:../../etc/passwd")
	assert.ErrorContains(t, err, "invalid hash hex")

	err = store.Delete(ctx, "sha256:ABC")
	assert.Error(t, err)
}
