// Package storage implements the resource store: durable content+properties
// records addressed by an opaque resource id under nested namespaces.
//
// A resource's content is a bundle of named aspects (for a private gem:
// "gem" and "spec"; for the specs-collection artifacts: a single aspect).
// Aspects and the property map are persisted together as one generation so
// readers can never observe content from one write paired with properties
// from another.
//
// On-disk layout:
//
//	{base}/{namespace...}/{id}/current        marker naming the live generation
//	{base}/{namespace...}/{id}/g-{rand}/      aspect files + properties.json
//
// Writers build a complete generation directory, then publish it by renaming
// a temp marker file over "current". The rename is atomic, so a reader that
// resolves the marker sees exactly one fully-written generation. The
// previous generation is kept until the following save to cover readers
// that resolved the marker just before it flipped; older generations are
// pruned best-effort.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	markerFile     = "current"
	propertiesFile = "properties.json"
	genPrefix      = "g-"
)

var (
	// ErrNotFound indicates the resource has never been saved (or was deleted)
	ErrNotFound = errors.New("resource not found")

	// ErrCorrupt indicates a resource with a partial generation on disk:
	// a marker that names a missing generation, or a generation missing its
	// property record. Callers treat it like a miss, not a fatal error.
	ErrCorrupt = errors.New("resource incomplete on disk")
)

// Store is a resource store rooted at a filesystem namespace
type Store struct {
	base string
}

// NewStore creates a store rooted at basePath, creating the directory if needed
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("storage base path must not be empty")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{base: abs}, nil
}

// For returns a store rooted one or more namespace segments deeper.
// The nested directory is created on first save, not here.
func (s *Store) For(segments ...string) *Store {
	return &Store{base: filepath.Join(append([]string{s.base}, segments...)...)}
}

// Resource returns a handle for the resource with the given id
func (s *Store) Resource(id string) *Resource {
	return &Resource{store: s, id: id}
}

// Resource is a handle on one content+properties record. Load populates
// Content and Properties from the live generation.
type Resource struct {
	store *Store
	id    string

	content    map[string][]byte
	properties map[string]string
	loaded     bool
}

// ID returns the resource id
func (r *Resource) ID() string {
	return r.id
}

func (r *Resource) dir() string {
	return filepath.Join(r.store.base, r.id)
}

// currentGeneration resolves the live generation directory via the marker
func (r *Resource) currentGeneration() (string, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir(), markerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read resource marker: %w", err)
	}

	gen := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(gen, genPrefix) || strings.ContainsAny(gen, "/\\") {
		return "", ErrCorrupt
	}

	genDir := filepath.Join(r.dir(), gen)
	if _, err := os.Stat(genDir); err != nil {
		if os.IsNotExist(err) {
			// Marker published but generation pruned or never completed
			return "", ErrCorrupt
		}
		return "", fmt.Errorf("failed to stat generation: %w", err)
	}
	return genDir, nil
}

// Save persists the content aspects and property map as one new generation.
// Concurrent saves to the same id are last-writer-wins at marker granularity;
// no interleaving of one save's content with another's properties is
// observable.
func (r *Resource) Save(content map[string][]byte, properties map[string]string) error {
	if len(content) == 0 {
		return fmt.Errorf("resource %s: content must not be empty", r.id)
	}
	if properties == nil {
		properties = map[string]string{}
	}

	dir := r.dir()
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create resource directory: %w", err)
	}

	previous, _ := r.readMarker()

	gen, err := newGenerationName()
	if err != nil {
		return err
	}
	genDir := filepath.Join(dir, gen)
	if err := os.Mkdir(genDir, 0750); err != nil {
		return fmt.Errorf("failed to create generation directory: %w", err)
	}

	for aspect, data := range content {
		if err := validAspect(aspect); err != nil {
			_ = os.RemoveAll(genDir)
			return err
		}
		if err := os.WriteFile(filepath.Join(genDir, aspect), data, 0640); err != nil {
			_ = os.RemoveAll(genDir)
			return fmt.Errorf("failed to write aspect %s: %w", aspect, err)
		}
	}

	propsData, err := json.Marshal(properties)
	if err != nil {
		_ = os.RemoveAll(genDir)
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	if err := os.WriteFile(filepath.Join(genDir, propertiesFile), propsData, 0640); err != nil {
		_ = os.RemoveAll(genDir)
		return fmt.Errorf("failed to write properties: %w", err)
	}

	if err := r.publishMarker(gen); err != nil {
		_ = os.RemoveAll(genDir)
		return err
	}

	r.content = cloneContent(content)
	r.properties = cloneProperties(properties)
	r.loaded = true

	r.pruneGenerations(gen, previous)
	return nil
}

// Load reads the live generation's aspects and properties into the handle
func (r *Resource) Load() error {
	genDir, err := r.currentGeneration()
	if err != nil {
		return err
	}

	propsData, err := os.ReadFile(filepath.Join(genDir, propertiesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrCorrupt
		}
		return fmt.Errorf("failed to read properties: %w", err)
	}

	properties := map[string]string{}
	if err := json.Unmarshal(propsData, &properties); err != nil {
		return fmt.Errorf("%w: bad property record", ErrCorrupt)
	}

	entries, err := os.ReadDir(genDir)
	if err != nil {
		if os.IsNotExist(err) {
			// Generation pruned between marker resolution and read
			return ErrNotFound
		}
		return fmt.Errorf("failed to list generation: %w", err)
	}

	content := map[string][]byte{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == propertiesFile {
			continue
		}
		data, err := os.ReadFile(filepath.Join(genDir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read aspect %s: %w", entry.Name(), err)
		}
		content[entry.Name()] = data
	}

	if len(content) == 0 {
		return ErrCorrupt
	}

	r.content = content
	r.properties = properties
	r.loaded = true
	return nil
}

// Exists reports whether the resource is saved and its live generation
// contains the named aspect. A resource with only a partial record on disk
// reports false.
func (r *Resource) Exists(aspect string) (bool, error) {
	genDir, err := r.currentGeneration()
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) {
			return false, nil
		}
		return false, err
	}

	if _, err := os.Stat(filepath.Join(genDir, propertiesFile)); err != nil {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(genDir, aspect)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat aspect %s: %w", aspect, err)
	}
	return true, nil
}

// Content returns the named aspect's bytes, loading the resource if needed
func (r *Resource) Content(aspect string) ([]byte, error) {
	if !r.loaded {
		if err := r.Load(); err != nil {
			return nil, err
		}
	}
	data, ok := r.content[aspect]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Properties returns the property map, loading the resource if needed
func (r *Resource) Properties() (map[string]string, error) {
	if !r.loaded {
		if err := r.Load(); err != nil {
			return nil, err
		}
	}
	return cloneProperties(r.properties), nil
}

// UpdateProperties merges partial into the stored property map without
// rewriting content. The existing aspect files are carried into a fresh
// generation (hard-linked where the filesystem allows, copied otherwise) so
// the consistency model is the same as Save's.
func (r *Resource) UpdateProperties(partial map[string]string) error {
	genDir, err := r.currentGeneration()
	if err != nil {
		return err
	}

	propsData, err := os.ReadFile(filepath.Join(genDir, propertiesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrCorrupt
		}
		return fmt.Errorf("failed to read properties: %w", err)
	}
	properties := map[string]string{}
	if err := json.Unmarshal(propsData, &properties); err != nil {
		return fmt.Errorf("%w: bad property record", ErrCorrupt)
	}
	for k, v := range partial {
		properties[k] = v
	}

	gen, err := newGenerationName()
	if err != nil {
		return err
	}
	newGenDir := filepath.Join(r.dir(), gen)
	if err := os.Mkdir(newGenDir, 0750); err != nil {
		return fmt.Errorf("failed to create generation directory: %w", err)
	}

	entries, err := os.ReadDir(genDir)
	if err != nil {
		_ = os.RemoveAll(newGenDir)
		return fmt.Errorf("failed to list generation: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == propertiesFile {
			continue
		}
		src := filepath.Join(genDir, entry.Name())
		dst := filepath.Join(newGenDir, entry.Name())
		if err := os.Link(src, dst); err != nil {
			if err := copyFile(src, dst); err != nil {
				_ = os.RemoveAll(newGenDir)
				return fmt.Errorf("failed to carry aspect %s: %w", entry.Name(), err)
			}
		}
	}

	merged, err := json.Marshal(properties)
	if err != nil {
		_ = os.RemoveAll(newGenDir)
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	if err := os.WriteFile(filepath.Join(newGenDir, propertiesFile), merged, 0640); err != nil {
		_ = os.RemoveAll(newGenDir)
		return fmt.Errorf("failed to write properties: %w", err)
	}

	previous, _ := r.readMarker()
	if err := r.publishMarker(gen); err != nil {
		_ = os.RemoveAll(newGenDir)
		return err
	}

	r.properties = cloneProperties(properties)
	r.pruneGenerations(gen, previous)
	return nil
}

// Delete removes the resource permanently
func (r *Resource) Delete() error {
	if err := os.RemoveAll(r.dir()); err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", r.id, err)
	}
	r.content = nil
	r.properties = nil
	r.loaded = false
	return nil
}

// readMarker returns the raw marker value without validating the generation
func (r *Resource) readMarker() (string, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir(), markerFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// publishMarker atomically points "current" at gen via temp file + rename
func (r *Resource) publishMarker(gen string) error {
	tmp, err := os.CreateTemp(r.dir(), ".marker-*")
	if err != nil {
		return fmt.Errorf("failed to create marker temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.WriteString(gen)
	closeErr := tmp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write marker: %w", writeErr)
	}

	if err := os.Rename(tmpName, filepath.Join(r.dir(), markerFile)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to publish marker: %w", err)
	}
	return nil
}

// pruneGenerations removes generation directories other than keep and
// previous. The previous generation survives one save so readers that
// resolved the marker just before publication can finish their reads.
func (r *Resource) pruneGenerations(keep, previous string) {
	entries, err := os.ReadDir(r.dir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, genPrefix) {
			continue
		}
		if name == keep || name == previous {
			continue
		}
		_ = os.RemoveAll(filepath.Join(r.dir(), name))
	}
}

func newGenerationName() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate generation name: %w", err)
	}
	return genPrefix + hex.EncodeToString(buf), nil
}

func validAspect(aspect string) error {
	if aspect == "" || aspect == markerFile || aspect == propertiesFile ||
		strings.HasPrefix(aspect, genPrefix) || strings.ContainsAny(aspect, "/\\") {
		return fmt.Errorf("invalid aspect name: %q", aspect)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

func cloneContent(content map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(content))
	for k, v := range content {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func cloneProperties(properties map[string]string) map[string]string {
	out := make(map[string]string, len(properties))
	for k, v := range properties {
		out[k] = v
	}
	return out
}
