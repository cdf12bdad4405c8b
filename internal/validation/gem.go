// Package validation provides input validation for pushed gem archives. Each
// validator checks a specific aspect of the upload: archive structure (path
// traversal, link entries, size limits), gem naming, and version number
// format. Validators run before any data is persisted so invalid pushes are
// rejected early without consuming catalog rows or storage.
package validation

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// MaxGemSize is the maximum size for a pushed gem archive (100MB)
	MaxGemSize = 100 * 1024 * 1024
)

var (
	namePattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]*$`)
	numberPattern = regexp.MustCompile(`^[0-9]+(\.[0-9a-zA-Z]+)*(-[0-9a-zA-Z.]+)?$`)
)

// ValidateArchive validates the outer tar structure of a gem archive. A zero
// maxSize applies MaxGemSize.
func ValidateArchive(data []byte, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = MaxGemSize
	}
	if int64(len(data)) > maxSize {
		return fmt.Errorf("archive exceeds maximum size of %d bytes", maxSize)
	}

	tarReader := tar.NewReader(bytes.NewReader(data))

	fileCount := 0
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("invalid tar format: %w", err)
		}

		fileCount++

		// Check for path traversal attacks
		if err := validatePath(header.Name); err != nil {
			return fmt.Errorf("invalid file path in archive: %w", err)
		}

		if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
			return fmt.Errorf("archive contains link entry: %s", header.Name)
		}
	}

	if fileCount == 0 {
		return fmt.Errorf("archive contains no files")
	}
	return nil
}

// validatePath rejects absolute entry names and traversal outside the
// archive root
func validatePath(name string) error {
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("absolute path not allowed: %s", name)
	}
	clean := filepath.ToSlash(filepath.Clean(name))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path traversal not allowed: %s", name)
	}
	return nil
}

// ValidateGemName validates a gem name: letters, digits, underscores, dots
// and dashes, starting with a letter or digit, with at least one letter.
func ValidateGemName(name string) error {
	if name == "" {
		return fmt.Errorf("gem name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid gem name: %s", name)
	}
	hasLetter := strings.ContainsFunc(name, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	})
	if !hasLetter {
		return fmt.Errorf("gem name must contain a letter: %s", name)
	}
	return nil
}

// ValidateVersionNumber validates a version number: dotted segments starting
// with a digit, optionally followed by a dash-separated prerelease tag.
func ValidateVersionNumber(number string) error {
	if number == "" {
		return fmt.Errorf("version number cannot be empty")
	}
	if !numberPattern.MatchString(number) {
		return fmt.Errorf("invalid version number: %s", number)
	}
	return nil
}
