// Package gems implements the private-gem domain: gemspec parsing, the
// push/yank/unyank lifecycle, three-tier dependency resolution, and the
// specs-collection index artifacts.
package gems

import "errors"

// Lifecycle conflicts are a closed set of sentinel errors. They are routine
// outcomes, not failures; handlers map them to client statuses with errors.Is.
var (
	// ErrExistingVersion is returned when pushing a (gem, number, platform)
	// that is already indexed
	ErrExistingVersion = errors.New("version already exists")

	// ErrYankedVersion is returned when pushing over a yanked version, or
	// when yanking a version that is already yanked. The version must be
	// unyanked first.
	ErrYankedVersion = errors.New("version has been yanked")

	// ErrUnknownGem is returned when yanking or unyanking a gem name the
	// catalog has never seen
	ErrUnknownGem = errors.New("unknown gem")

	// ErrUnknownVersion is returned when the version specifier resolves to
	// no catalog row
	ErrUnknownVersion = errors.New("unknown version")

	// ErrNotYanked is returned when unyanking a version that is currently indexed
	ErrNotYanked = errors.New("version is not yanked")
)
