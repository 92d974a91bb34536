package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

type putCall struct {
	bucket, object, path string
	opts                 minio.PutObjectOptions
}

type fakeStore struct {
	exists  bool
	made    []string
	puts    []putCall
	putErr  error
	listErr error
}

func (f *fakeStore) BucketExists(context.Context, string) (bool, error) {
	return f.exists, f.listErr
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeStore) FPutObject(_ context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	f.puts = append(f.puts, putCall{bucket, object, filePath, opts})
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: 42}, nil
}

func newTestArchiver(store *fakeStore, deleteLocal bool) *Archiver {
	return &Archiver{
		store:  store,
		cfg:    Config{Bucket: "fsc-archive", DeleteLocal: deleteLocal},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testAsset(t *testing.T) domain.RasterAsset {
	t.Helper()
	acquired := time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC)
	p := filepath.Join(t.TempDir(), domain.CacheFileName("FSC_T32TLQ", acquired))
	require.NoError(t, os.WriteFile(p, []byte("tiff"), 0o600))
	require.NoError(t, os.WriteFile(p+".sha256", []byte("abc\n"), 0o600))
	return domain.RasterAsset{ID: "FSC_T32TLQ", AcquiredAt: acquired, Path: p, SHA256: "abc"}
}

func TestObjectKey(t *testing.T) {
	asset := domain.RasterAsset{ID: "FSC/T32TLQ", AcquiredAt: time.Date(2024, 1, 15, 23, 59, 0, 0, time.UTC)}
	assert.Equal(t, "fsc/2024/01/fsc_20240115_FSC_T32TLQ.tif", ObjectKey(asset))
}

func TestArchive_KeepsLocalCopy(t *testing.T) {
	store := &fakeStore{}
	a := newTestArchiver(store, false)
	asset := testAsset(t)

	require.NoError(t, a.Archive(context.Background(), asset))

	require.Len(t, store.puts, 1)
	assert.Equal(t, "fsc-archive", store.puts[0].bucket)
	assert.Equal(t, "fsc/2024/01/fsc_20240115_FSC_T32TLQ.tif", store.puts[0].object)
	assert.Equal(t, asset.Path, store.puts[0].path)
	assert.Equal(t, "abc", store.puts[0].opts.UserMetadata["sha256"])
	assert.FileExists(t, asset.Path)
}

func TestArchive_DeletesLocalCopy(t *testing.T) {
	a := newTestArchiver(&fakeStore{}, true)
	asset := testAsset(t)

	require.NoError(t, a.Archive(context.Background(), asset))

	assert.NoFileExists(t, asset.Path)
	assert.NoFileExists(t, asset.Path+".sha256")
}

func TestArchive_UploadFailureKeepsFile(t *testing.T) {
	a := newTestArchiver(&fakeStore{putErr: errors.New("access denied")}, true)
	asset := testAsset(t)

	err := a.Archive(context.Background(), asset)
	require.Error(t, err)
	assert.FileExists(t, asset.Path)
}

func TestEnsureBucket(t *testing.T) {
	store := &fakeStore{exists: false}
	require.NoError(t, newTestArchiver(store, false).EnsureBucket(context.Background()))
	assert.Equal(t, []string{"fsc-archive"}, store.made)

	store = &fakeStore{exists: true}
	require.NoError(t, newTestArchiver(store, false).EnsureBucket(context.Background()))
	assert.Empty(t, store.made)

	store = &fakeStore{listErr: errors.New("unreachable")}
	assert.Error(t, newTestArchiver(store, false).EnsureBucket(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}, logger)
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))

	_, err = New(Config{Endpoint: "localhost:9000", Bucket: "b"}, logger)
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))

	a, err := New(Config{Endpoint: "http://localhost:9000", Bucket: "b", AccessKey: "a", SecretKey: "s"}, logger)
	require.NoError(t, err)
	assert.NotNil(t, a)
}
