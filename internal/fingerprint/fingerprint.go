// Package fingerprint computes the stable content identity (spec §3,
// "Fingerprint") used as a File's `_cf_source_hash`. The algorithm is
// pluggable per `scanner.hash_algorithm` (spec §6.6).
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Algorithm names recognized by the `scanner.hash_algorithm` config key.
const (
	SHA256 = "sha256"
	XXHash = "xxhash"
)

// DefaultAlgorithm is the strong cryptographic hash used unless the
// operator opts into the faster non-cryptographic one.
const DefaultAlgorithm = SHA256

// New returns a streaming hasher for the named algorithm.
func New(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case SHA256, "":
		return sha256.New(), nil
	case XXHash:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algorithm)
	}
}

// Of streams r through the named algorithm and returns the hex digest.
func Of(algorithm string, r io.Reader) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// OfBytes hashes an in-memory buffer, used by the guest fixture and tests
// where streaming from disk would be pointless ceremony.
func OfBytes(algorithm string, data []byte) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
