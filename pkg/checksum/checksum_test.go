package checksum

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestCalculateSHA256(t *testing.T) {
	t.Run("known digest", func(t *testing.T) {
		// printf 'rack-3.0.0' | sha256sum
		got, err := CalculateSHA256(strings.NewReader("rack-3.0.0"))
		require.NoError(t, err)
		assert.Equal(t, "d1e462ffdac8ebee5e0858e406edee0692dd6bc8e304fc3df74d08199c1a8b6f", got)
	})

	t.Run("empty input", func(t *testing.T) {
		got, err := CalculateSHA256(strings.NewReader(""))
		require.NoError(t, err)
		assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
	})

	t.Run("binary archive bytes", func(t *testing.T) {
		archive := []byte{0x00, 0x1f, 0x8b, 0x08, 0xff}
		got, err := CalculateSHA256(bytes.NewReader(archive))
		require.NoError(t, err)
		assert.Len(t, got, 64)
		assert.Equal(t, strings.ToLower(got), got)
	})

	t.Run("read error propagated", func(t *testing.T) {
		_, err := CalculateSHA256(failingReader{})
		assert.Error(t, err)
	})
}

func TestVerifySHA256(t *testing.T) {
	digest, err := CalculateSHA256(strings.NewReader("gem bytes"))
	require.NoError(t, err)

	t.Run("matching digest", func(t *testing.T) {
		ok, err := VerifySHA256(strings.NewReader("gem bytes"), digest)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("tampered content", func(t *testing.T) {
		ok, err := VerifySHA256(strings.NewReader("gem bytes, altered"), digest)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("read error propagated", func(t *testing.T) {
		_, err := VerifySHA256(failingReader{}, digest)
		assert.Error(t, err)
	})
}
