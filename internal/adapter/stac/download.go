package stac

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

const sidecarExt = ".sha256"

var errIntegrity = errors.New("integrity check failed")

// Download fetches the raster of desc into the cache directory and verifies
// it against the catalog size and checksum. A cached file whose recorded
// SHA-256 still matches is returned without a request. A mismatch after
// download is retried once before it is reported as an IntegrityFailure.
func (c *Client) Download(ctx context.Context, desc domain.AssetDescriptor) (domain.RasterAsset, error) {
	op := "download " + desc.ID
	if err := os.MkdirAll(c.cfg.CacheDir, 0o755); err != nil {
		return domain.RasterAsset{}, domain.E(domain.KindConfiguration, op, err)
	}
	path := filepath.Join(c.cfg.CacheDir, domain.CacheFileName(desc.ID, desc.AcquiredAt))
	asset := domain.RasterAsset{
		ID:         desc.ID,
		AcquiredAt: desc.AcquiredAt,
		Footprint:  desc.Footprint,
		CRS:        desc.CRS,
		Path:       path,
	}

	if sum, size, ok := c.cached(path, desc); ok {
		c.metrics.Downloads.WithLabelValues("cached").Inc()
		c.logger.Debug("raster cache hit", "asset_id", desc.ID, "path", path)
		asset.SHA256, asset.Size, asset.Cached = sum, size, true
		return asset, nil
	}

	href, err := c.resolve(desc.Href)
	if err != nil {
		return domain.RasterAsset{}, domain.E(domain.KindMalformedQuery, op, err)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		sum, size, err := c.fetch(ctx, op, href, path, desc)
		if err == nil {
			c.metrics.Downloads.WithLabelValues("downloaded").Inc()
			c.metrics.DownloadedBytes.Add(float64(size))
			asset.SHA256, asset.Size = sum, size
			return asset, nil
		}
		if !errors.Is(err, errIntegrity) {
			c.metrics.Downloads.WithLabelValues("error").Inc()
			return domain.RasterAsset{}, err
		}
		lastErr = err
		c.metrics.Downloads.WithLabelValues("integrity_error").Inc()
		c.logger.Warn("downloaded raster failed verification", "asset_id", desc.ID, "attempt", attempt, "error", err)
	}
	return domain.RasterAsset{}, domain.E(domain.KindIntegrity, op, lastErr)
}

func (c *Client) resolve(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("asset href %q: %w", href, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(c.cfg.BaseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

// fetch streams one download to a temporary file and renames it into place
// once size and checksum match.
func (c *Client) fetch(ctx context.Context, op, href, path string, desc domain.AssetDescriptor) (string, int64, error) {
	resp, err := c.do(ctx, op, c.cfg.DownloadTimeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	})
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", 0, domain.Errorf(domain.KindNotFound, op, "asset %s not found", href)
	case resp.StatusCode != http.StatusOK:
		return "", 0, domain.Errorf(domain.KindTransient, op, "asset server returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.cfg.CacheDir, ".part-*")
	if err != nil {
		return "", 0, domain.E(domain.KindConfiguration, op, err)
	}
	defer os.Remove(tmp.Name())

	sha := sha256.New()
	writers := []io.Writer{tmp, sha}
	var catalogHash hash.Hash
	if !desc.Checksum.IsZero() && desc.Checksum.Algorithm != "sha256" {
		catalogHash = newHash(desc.Checksum.Algorithm)
		writers = append(writers, catalogHash)
	}

	size, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, domain.E(domain.KindTransient, op, err)
	}

	digest := sha.Sum(nil)
	if err := verify(desc, size, digest, catalogHash); err != nil {
		return "", 0, err
	}

	sum := hex.EncodeToString(digest)
	if err := os.WriteFile(path+sidecarExt, []byte(sum+"\n"), 0o644); err != nil {
		return "", 0, domain.E(domain.KindConfiguration, op, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, domain.E(domain.KindConfiguration, op, err)
	}
	return sum, size, nil
}

func verify(desc domain.AssetDescriptor, size int64, sha []byte, other hash.Hash) error {
	if desc.Size > 0 && size != desc.Size {
		return fmt.Errorf("%w: size %d, catalog reports %d", errIntegrity, size, desc.Size)
	}
	if desc.Checksum.IsZero() {
		return nil
	}
	got := sha
	if other != nil {
		got = other.Sum(nil)
	}
	if !bytes.Equal(got, desc.Checksum.Digest) {
		return fmt.Errorf("%w: %s %x, catalog reports %s", errIntegrity, desc.Checksum.Algorithm, got, desc.Checksum)
	}
	return nil
}

// cached reports whether path holds a verified copy of desc. A file that
// fails verification is removed.
func (c *Client) cached(path string, desc domain.AssetDescriptor) (string, int64, bool) {
	recorded, err := os.ReadFile(path + sidecarExt)
	if err != nil {
		return "", 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, false
	}
	defer f.Close()

	sha := sha256.New()
	var other hash.Hash
	writers := []io.Writer{sha}
	if !desc.Checksum.IsZero() && desc.Checksum.Algorithm != "sha256" {
		other = newHash(desc.Checksum.Algorithm)
		writers = append(writers, other)
	}
	size, err := io.Copy(io.MultiWriter(writers...), f)
	if err != nil {
		return "", 0, false
	}
	digest := sha.Sum(nil)
	sum := hex.EncodeToString(digest)
	if sum != strings.TrimSpace(string(recorded)) || verify(desc, size, digest, other) != nil {
		c.logger.Warn("discarding stale cached raster", "asset_id", desc.ID, "path", path)
		os.Remove(path)
		os.Remove(path + sidecarExt)
		return "", 0, false
	}
	return sum, size, true
}
