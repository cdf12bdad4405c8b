// upstream.go defines the Upstream model recording external registries that
// have been mirrored through this proxy.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Upstream is an external registry referenced by at least one request.
// Rows are created lazily on first reference.
type Upstream struct {
	ID  int64  `json:"id" db:"id"`
	URI string `json:"uri" db:"uri"`
	// HostID is a stable hash of the URI used as the storage namespace
	// directory for gems mirrored from this upstream.
	HostID    string    `json:"host_id" db:"host_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HostIDFor derives the storage-namespace directory name for an upstream URI.
// The value must be stable across processes and restarts because it names
// directories on disk.
func HostIDFor(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:8])
}
