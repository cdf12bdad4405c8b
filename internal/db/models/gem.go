// Package models - gem.go defines the Rubygem, Version, and Dependency models
// that form the catalog of privately hosted gems.
package models

import "time"

// Rubygem represents a named gem in the private catalog. Created on first
// push and never deleted; visibility is controlled per version.
type Rubygem struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Version represents a single pushed version of a gem. A version is never
// physically deleted; yank flips Indexed to false and unyank flips it back.
type Version struct {
	ID        int64  `json:"id" db:"id"`
	RubygemID int64  `json:"rubygem_id" db:"rubygem_id"`
	Number    string `json:"number" db:"number"`
	Platform  string `json:"platform" db:"platform"`
	// FullName is "{name}-{number}" for the default platform, otherwise
	// "{name}-{number}-{platform}"; globally unique and used as StorageID.
	FullName   string    `json:"full_name" db:"full_name"`
	StorageID  string    `json:"storage_id" db:"storage_id"`
	Indexed    bool      `json:"indexed" db:"indexed"`
	Prerelease bool      `json:"prerelease" db:"prerelease"`
	SHA256     *string   `json:"sha256,omitempty" db:"sha256"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Dependency is a raw runtime requirement recorded at push time. RubygemName
// is deliberately not a foreign key: a private gem may depend on gems that
// only exist upstream.
type Dependency struct {
	ID          int64  `json:"id" db:"id"`
	VersionID   int64  `json:"version_id" db:"version_id"`
	RubygemName string `json:"rubygem_name" db:"rubygem_name"`
	// Requirements is a comma-joined list of "{operator} {version}" pairs,
	// e.g. ">= 1.0, < 2.0". Immutable after push.
	Requirements string `json:"requirements" db:"requirements"`
}
