package gems

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// Manifest is the subset of a gemspec the registry records: identity,
// platform, prerelease flag, and runtime dependency requirements.
type Manifest struct {
	Name         string
	Number       string
	Platform     string
	Prerelease   bool
	Dependencies []ManifestDependency
}

// ManifestDependency is one runtime requirement, e.g. {"rack", ">= 2.0, < 4"}
type ManifestDependency struct {
	Name         string
	Requirements string
}

// FullName returns the globally unique version name, omitting the default
// platform suffix: "rack-3.0.0", "nokogiri-1.15.0-java".
func (m *Manifest) FullName() string {
	if m.Platform == DefaultPlatform {
		return m.Name + "-" + m.Number
	}
	return m.Name + "-" + m.Number + "-" + m.Platform
}

// DefaultPlatform is the platform recorded when a gemspec names none
const DefaultPlatform = "ruby"

const manifestEntry = "metadata.gz"

// ParseGem extracts the manifest from raw gem archive bytes. A gem is a tar
// archive whose metadata.gz entry holds the gzip-compressed gemspec as
// Ruby-tagged YAML. Returns the parsed manifest and the decompressed gemspec
// bytes, which are stored as the version's spec aspect. Parsing is entirely
// in-memory; nothing is written to disk.
func ParseGem(data []byte) (*Manifest, []byte, error) {
	specYAML, err := extractManifest(data)
	if err != nil {
		return nil, nil, err
	}

	manifest, err := parseGemspec(specYAML)
	if err != nil {
		return nil, nil, err
	}
	return manifest, specYAML, nil
}

func extractManifest(data []byte) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("gem archive has no %s entry", manifestEntry)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read gem archive: %w", err)
		}
		if hdr.Name != manifestEntry {
			continue
		}

		gz, err := gzip.NewReader(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress gem manifest: %w", err)
		}
		specYAML, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("failed to read gem manifest: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("failed to read gem manifest: %w", err)
		}
		return specYAML, nil
	}
}

// parseGemspec walks the YAML document as a node tree. Gemspecs carry
// !ruby/object tags that no Go struct mapping survives, so fields are pulled
// out by key with the tags ignored.
func parseGemspec(specYAML []byte) (*Manifest, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(specYAML, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse gemspec: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("gemspec is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("gemspec is not a mapping")
	}

	m := &Manifest{Platform: DefaultPlatform}

	m.Name = scalarValue(mapValue(root, "name"))
	if m.Name == "" {
		return nil, fmt.Errorf("gemspec has no name")
	}

	m.Number = versionNumber(mapValue(root, "version"))
	if m.Number == "" {
		return nil, fmt.Errorf("gemspec has no version")
	}

	if platform := scalarValue(mapValue(root, "platform")); platform != "" {
		m.Platform = platform
	}
	m.Prerelease = isPrerelease(m.Number)

	deps := mapValue(root, "dependencies")
	if deps != nil && deps.Kind == yaml.SequenceNode {
		for _, dep := range deps.Content {
			if dep.Kind != yaml.MappingNode {
				continue
			}
			// Development dependencies are not resolution inputs
			if depType := scalarValue(mapValue(dep, "type")); depType != "" && depType != ":runtime" {
				continue
			}
			name := scalarValue(mapValue(dep, "name"))
			if name == "" {
				continue
			}
			m.Dependencies = append(m.Dependencies, ManifestDependency{
				Name:         name,
				Requirements: requirementString(mapValue(dep, "requirement")),
			})
		}
	}

	return m, nil
}

// isPrerelease reports whether number is a prerelease version. Parses with
// go-version where possible; versions it cannot parse (rubygems allows forms
// like "1.0.0.beta1") fall back to the rubygems rule that any letter marks a
// prerelease.
func isPrerelease(number string) bool {
	if v, err := goversion.NewVersion(number); err == nil {
		return v.Prerelease() != ""
	}
	return strings.ContainsFunc(number, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	})
}

// versionNumber handles both a bare scalar and the usual
// !ruby/object:Gem::Version mapping with a "version" key
func versionNumber(node *yaml.Node) string {
	if node == nil {
		return ""
	}
	if node.Kind == yaml.ScalarNode {
		return node.Value
	}
	return scalarValue(mapValue(node, "version"))
}

// requirementString flattens a Gem::Requirement node into a comma-joined
// constraint list, e.g. ">= 2.0, < 4"
func requirementString(node *yaml.Node) string {
	if node == nil {
		return ""
	}
	reqs := mapValue(node, "requirements")
	if reqs == nil || reqs.Kind != yaml.SequenceNode {
		return ""
	}

	var parts []string
	for _, pair := range reqs.Content {
		// Each requirement is a [operator, Gem::Version] pair
		if pair.Kind != yaml.SequenceNode || len(pair.Content) != 2 {
			continue
		}
		op := scalarValue(pair.Content[0])
		ver := versionNumber(pair.Content[1])
		if op == "" || ver == "" {
			continue
		}
		parts = append(parts, op+" "+ver)
	}
	return strings.Join(parts, ", ")
}

func mapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func scalarValue(node *yaml.Node) string {
	if node == nil || node.Kind != yaml.ScalarNode {
		return ""
	}
	return node.Value
}
