package storage

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// diskChunk is the read granularity for checksum streaming, keeping memory
// bounded for arbitrarily large prefixes.
const diskChunk = 65536

// EmptyChecksum is the sentinel digest for a zero-length prefix or a
// missing file. Both ends treat it as trivially matching.
const EmptyChecksum = "0"

// ChecksumPrefix returns the hex BLAKE2b-256 digest of the first n bytes of
// the stored file name. It returns EmptyChecksum for n == 0 or when the
// file does not exist, matching the negotiation's "nothing stored yet"
// answer.
func (s *Store) ChecksumPrefix(name string, n int64) (string, error) {
	return ChecksumFilePrefix(s.path(name), n)
}

// ChecksumFilePrefix is ChecksumPrefix for an arbitrary path, used by the
// client side on its local copy.
func ChecksumFilePrefix(path string, n int64) (string, error) {
	if n == 0 {
		return EmptyChecksum, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EmptyChecksum, nil
		}
		return "", fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("creating digest: %w", err)
	}

	if _, err := io.CopyN(h, f, n); err != nil && err != io.EOF {
		return "", fmt.Errorf("digesting %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
