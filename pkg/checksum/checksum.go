// Package checksum provides SHA-256 checksum utilities for gem integrity
// verification. It is used when a gem is pushed to record the archive digest
// alongside the version, and when mirrored content needs to be checked
// against a recorded digest. Keeping this logic in a dedicated package keeps
// hashing behaviour consistent across the push, mirror, and storage layers
// without duplicating crypto/sha256 wiring throughout the codebase.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 reports whether the checksum of data matches expectedChecksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == expectedChecksum, nil
}
