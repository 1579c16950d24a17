package minio

import (
	"context"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-calamity/blobstore"
)

var _ blobstore.Store = (*Store)(nil)

func TestNewClientNeedsEndpoint(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	c, err := NewClient(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestKey(t *testing.T) {
	s := NewStore(nil, "bucket", "runs/")
	assert.Equal(t, "runs/2459122/model.uvd", s.key("2459122/model.uvd"))
	assert.Equal(t, "model.uvd", NewStore(nil, "bucket", "").key("model.uvd"))
}

// TestMinioStore_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioStore_Integration(t *testing.T) {
	cfg := Config{Endpoint: "localhost:9000", AccessKey: "minioadmin", SecretKey: "minioadmin"}
	bucket := "test-calamity"

	client, err := NewClient(cfg)
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}
	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix/")
	_ = client.RemoveObject(ctx, bucket, store.key("model.uvd"), minio.RemoveObjectOptions{})

	w, err := store.Create(ctx, "model.uvd", false)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello minio"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = store.Create(ctx, "model.uvd", false)
	assert.ErrorIs(t, err, blobstore.ErrExists)

	r, err := store.Open(ctx, "model.uvd")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello minio", string(data))

	_, err = store.Open(ctx, "missing.uvd")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
