package stac

import (
	"context"
	"crypto/md5" //nolint:gosec // test fixture checksum
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

var rasterBytes = []byte("II*\x00 pretend this is a geotiff payload")

func sha256Multihash(b []byte) string {
	sum := sha256.Sum256(b)
	return multihashSHA256 + hex.EncodeToString(sum[:])
}

func descriptorFor(t *testing.T, href string, payload []byte) domain.AssetDescriptor {
	t.Helper()
	sum, err := ParseChecksum(sha256Multihash(payload))
	require.NoError(t, err)
	return domain.AssetDescriptor{
		ID:         "FSC_20240115T103100_S2A_T32TLQ",
		AcquiredAt: time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC),
		Href:       href,
		Size:       int64(len(payload)),
		Checksum:   sum,
	}
}

func TestDownload_VerifiesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/files/fsc.tif", r.URL.Path)
		w.Write(rasterBytes)
	}))
	defer srv.Close()

	c, m := newTestClient(t, srv.URL)
	desc := descriptorFor(t, "/files/fsc.tif", rasterBytes)

	first, err := c.Download(context.Background(), desc)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, filepath.Join(c.cfg.CacheDir, "fsc_20240115_FSC_20240115T103100_S2A_T32TLQ.tif"), first.Path)
	assert.Equal(t, int64(len(rasterBytes)), first.Size)
	data, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, rasterBytes, data)

	second, err := c.Download(context.Background(), desc)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, int32(1), calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(m.Downloads.WithLabelValues("cached")), 0)
	assert.InDelta(t, float64(len(rasterBytes)), testutil.ToFloat64(m.DownloadedBytes), 0)
}

func TestDownload_CorruptCacheIsRefetched(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Write(rasterBytes)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	desc := descriptorFor(t, srv.URL+"/files/fsc.tif", rasterBytes)

	asset, err := c.Download(context.Background(), desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(asset.Path, []byte("truncated"), 0o600))

	again, err := c.Download(context.Background(), desc)
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDownload_RetriesIntegrityFailureOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("II*\x00 pretend this is a geotiff paylo4d"))
			return
		}
		w.Write(rasterBytes)
	}))
	defer srv.Close()

	c, m := newTestClient(t, srv.URL)
	asset, err := c.Download(context.Background(), descriptorFor(t, "/f.tif", rasterBytes))
	require.NoError(t, err)
	assert.NotEmpty(t, asset.SHA256)
	assert.Equal(t, int32(2), calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(m.Downloads.WithLabelValues("integrity_error")), 0)
}

func TestDownload_IntegrityFailure(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"checksum mismatch", []byte("II*\x00 pretend this is a geotiff paylo4d")},
		{"size mismatch", rasterBytes[:10]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.Write(tt.payload)
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL)
			_, err := c.Download(context.Background(), descriptorFor(t, "/f.tif", rasterBytes))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrIntegrity)
			assert.Equal(t, int32(2), calls.Load())

			entries, err := os.ReadDir(c.cfg.CacheDir)
			require.NoError(t, err)
			assert.Empty(t, entries, "no partial files left behind")
		})
	}
}

func TestDownload_MD5Checksum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(rasterBytes)
	}))
	defer srv.Close()

	sum := md5.Sum(rasterBytes) //nolint:gosec // test fixture checksum
	checksum, err := ParseChecksum(multihashMD5 + hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	c, _ := newTestClient(t, srv.URL)
	desc := descriptorFor(t, "/f.tif", rasterBytes)
	desc.Checksum = checksum

	asset, err := c.Download(context.Background(), desc)
	require.NoError(t, err)
	want := sha256.Sum256(rasterBytes)
	assert.Equal(t, hex.EncodeToString(want[:]), asset.SHA256)
}

func TestDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.Download(context.Background(), descriptorFor(t, "/missing.tif", rasterBytes))
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestDownload_WithoutCatalogChecksum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(rasterBytes)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	desc := descriptorFor(t, "/f.tif", rasterBytes)
	desc.Checksum = domain.Checksum{}
	desc.Size = 0

	asset, err := c.Download(context.Background(), desc)
	require.NoError(t, err)
	sidecar, err := os.ReadFile(asset.Path + sidecarExt)
	require.NoError(t, err)
	assert.Equal(t, asset.SHA256+"\n", string(sidecar))
}

func TestParseChecksum(t *testing.T) {
	digest := sha256.Sum256([]byte("x"))
	hexDigest := hex.EncodeToString(digest[:])

	tests := []struct {
		in      string
		wantAlg string
		wantErr bool
	}{
		{multihashSHA256 + hexDigest, "sha256", false},
		{"sha256:" + hexDigest, "sha256", false},
		{"SHA256:" + hexDigest, "sha256", false},
		{"md5:900150983cd24fb0d6963f7d28e17f72", "md5", false},
		{multihashMD5 + "900150983cd24fb0d6963f7d28e17f72", "md5", false},
		{"sha256:abcd", "", true},
		{"crc32:deadbeef", "", true},
		{multihashSHA256 + "zz" + hexDigest[2:], "", true},
	}
	for _, tt := range tests {
		got, err := ParseChecksum(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.wantAlg, got.Algorithm)
	}
}
