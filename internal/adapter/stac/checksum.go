package stac

import (
	"crypto/md5" //nolint:gosec // catalogs publish md5 multihashes
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

// Multihash prefixes for the digests STAC file:checksum values use.
const (
	multihashSHA256 = "1220"
	multihashMD5    = "d50110"
)

// ParseChecksum decodes a file:checksum value: a hex multihash
// (sha2-256 or md5) or an "algorithm:hex" pair.
func ParseChecksum(s string) (domain.Checksum, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	var alg, digest string
	switch {
	case strings.HasPrefix(s, "sha256:"), strings.HasPrefix(s, "sha-256:"):
		alg, digest = "sha256", s[strings.IndexByte(s, ':')+1:]
	case strings.HasPrefix(s, "md5:"):
		alg, digest = "md5", s[len("md5:"):]
	case strings.HasPrefix(s, multihashSHA256) && len(s) == len(multihashSHA256)+64:
		alg, digest = "sha256", s[len(multihashSHA256):]
	case strings.HasPrefix(s, multihashMD5) && len(s) == len(multihashMD5)+32:
		alg, digest = "md5", s[len(multihashMD5):]
	default:
		return domain.Checksum{}, fmt.Errorf("unsupported checksum %q", s)
	}
	b, err := hex.DecodeString(digest)
	if err != nil {
		return domain.Checksum{}, fmt.Errorf("checksum %q: %w", s, err)
	}
	if want := newHash(alg).Size(); len(b) != want {
		return domain.Checksum{}, fmt.Errorf("checksum %q: %d bytes, want %d", s, len(b), want)
	}
	return domain.Checksum{Algorithm: alg, Digest: b}, nil
}

func newHash(alg string) hash.Hash {
	if alg == "md5" {
		return md5.New() //nolint:gosec // integrity check against the catalog value
	}
	return sha256.New()
}
