package miniostore

import (
	"context"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStoreIntegration needs a running MinIO at localhost:9000 and
// skips otherwise.
func TestStoreIntegration(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("minio client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("minio not available: %v", err)
	}

	bucket := "ivfgo-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "it/")

	data := []byte("minio artifact payload 0123456789")
	require.NoError(t, store.Put(ctx, "vec.ivf", data))

	blob, err := store.Open(ctx, "vec.ivf")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 7)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifac"), buf[:n])

	// Tail read is clamped and reports EOF.
	n, err = blob.ReadAt(ctx, buf, blob.Size()-3)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, n)
	require.NoError(t, blob.Close())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "vec.ivf")

	_, err = store.Open(ctx, "missing.ivf")
	assert.Error(t, err)

	require.NoError(t, store.Delete(ctx, "vec.ivf"))
	require.NoError(t, store.Delete(ctx, "vec.ivf"))
}
