package gems

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildGem assembles a minimal gem archive: a tar with the gemspec YAML
// gzip-compressed under metadata.gz, alongside a data entry.
func buildGem(t *testing.T, gemspecYAML string) []byte {
	t.Helper()

	var metadata bytes.Buffer
	gz := gzip.NewWriter(&metadata)
	_, err := gz.Write([]byte(gemspecYAML))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{"metadata.gz", metadata.Bytes()},
		{"data.tar.gz", []byte("payload")},
	} {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: entry.name,
			Mode: 0644,
			Size: int64(len(entry.data)),
		}))
		_, err := tw.Write(entry.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return archive.Bytes()
}

const rackGemspec = `--- !ruby/object:Gem::Specification
name: rack
version: !ruby/object:Gem::Version
  version: 3.0.0
platform: ruby
dependencies:
- !ruby/object:Gem::Dependency
  name: webrick
  requirement: !ruby/object:Gem::Requirement
    requirements:
    - - ">="
      - !ruby/object:Gem::Version
        version: '1.8'
    - - "<"
      - !ruby/object:Gem::Version
        version: '2.0'
  type: :runtime
- !ruby/object:Gem::Dependency
  name: minitest
  requirement: !ruby/object:Gem::Requirement
    requirements:
    - - ">="
      - !ruby/object:Gem::Version
        version: '5.0'
  type: :development
`

func TestParseGem(t *testing.T) {
	manifest, specYAML, err := ParseGem(buildGem(t, rackGemspec))
	require.NoError(t, err)

	assert.Equal(t, "rack", manifest.Name)
	assert.Equal(t, "3.0.0", manifest.Number)
	assert.Equal(t, "ruby", manifest.Platform)
	assert.False(t, manifest.Prerelease)
	assert.Equal(t, "rack-3.0.0", manifest.FullName())
	assert.Equal(t, []byte(rackGemspec), specYAML)

	// Development dependencies are excluded
	require.Len(t, manifest.Dependencies, 1)
	assert.Equal(t, "webrick", manifest.Dependencies[0].Name)
	assert.Equal(t, ">= 1.8, < 2.0", manifest.Dependencies[0].Requirements)
}

func TestParseGemNonDefaultPlatform(t *testing.T) {
	manifest, _, err := ParseGem(buildGem(t, `--- !ruby/object:Gem::Specification
name: nokogiri
version: !ruby/object:Gem::Version
  version: 1.15.0
platform: java
`))
	require.NoError(t, err)

	assert.Equal(t, "java", manifest.Platform)
	assert.Equal(t, "nokogiri-1.15.0-java", manifest.FullName())
}

func TestParseGemPrerelease(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{"1.0.0", false},
		{"1.0.0-beta1", true},
		{"1.0.0.beta1", true},
		{"2.0.0.rc2", true},
		{"10.2.3", false},
	}
	for _, tt := range tests {
		manifest, _, err := ParseGem(buildGem(t, `--- !ruby/object:Gem::Specification
name: example
version: !ruby/object:Gem::Version
  version: `+tt.number+`
`))
		require.NoError(t, err)
		assert.Equal(t, tt.want, manifest.Prerelease, "number %s", tt.number)
	}
}

func TestParseGemScalarVersion(t *testing.T) {
	manifest, _, err := ParseGem(buildGem(t, "---\nname: plain\nversion: 0.1.0\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", manifest.Number)
	assert.Equal(t, "ruby", manifest.Platform)
}

func TestParseGemRejectsGarbage(t *testing.T) {
	_, _, err := ParseGem([]byte("not a tar archive"))
	assert.Error(t, err)

	// Valid archive, missing name
	_, _, err = ParseGem(buildGem(t, "---\nversion: 1.0.0\n"))
	assert.Error(t, err)

	// Valid archive, missing version
	_, _, err = ParseGem(buildGem(t, "---\nname: rack\n"))
	assert.Error(t, err)
}
