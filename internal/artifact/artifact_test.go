package artifact

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

func opaque(w, h int) pkgext.Artifact {
	px := make([]byte, w*h*4)
	for i := 0; i < len(px); i += 4 {
		// BGRA
		px[i+0] = byte(i)
		px[i+1] = byte(i * 3)
		px[i+2] = byte(255 - i)
		px[i+3] = 255
	}
	return pkgext.Artifact{Pixels: px, Width: w, Height: h}
}

func TestPNGRoundTrip(t *testing.T) {
	in := opaque(3, 2)
	data, err := EncodePNG(in)
	require.NoError(t, err)

	out, err := DecodePNG(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStringRoundTrip(t *testing.T) {
	in := opaque(2, 2)
	s, err := EncodeString(in)
	require.NoError(t, err)
	assert.NotContains(t, s, DataURIHeader)

	for name, payload := range map[string]string{
		"bare":        s,
		"with header": AddDataURIHeader(s),
		"padded":      "  " + AddDataURIHeader(s) + "\n",
	} {
		t.Run(name, func(t *testing.T) {
			out, err := DecodeString(payload)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestCodecErrors(t *testing.T) {
	_, err := EncodePNG(pkgext.Artifact{Pixels: []byte{1, 2, 3}, Width: 1, Height: 1})
	assert.ErrorIs(t, err, ErrInvalidDimensions)
	_, err = EncodePNG(pkgext.Artifact{})
	assert.ErrorIs(t, err, ErrInvalidDimensions)

	_, err = DecodeString("data:image/png;base64,!!!")
	assert.Error(t, err)
	_, err = DecodePNG([]byte("not a png"))
	assert.Error(t, err)
}

func TestStripDataURIHeader(t *testing.T) {
	assert.Equal(t, "abc", StripDataURIHeader("data:image/png;base64,abc"))
	assert.Equal(t, "abc", StripDataURIHeader("abc"))
}

func TestStore(t *testing.T) {
	s := NewStore()
	_, ok := s.CurrentArtifact()
	assert.False(t, ok)
	assert.Zero(t, s.Revision())
	assert.True(t, s.UpdatedAt().IsZero())

	a := opaque(1, 1)
	s.SetCurrentArtifact(a)
	a.Pixels[0] = 99

	got, ok := s.CurrentArtifact()
	require.True(t, ok)
	assert.NotEqual(t, byte(99), got.Pixels[0], "store keeps its own copy")
	got.Pixels[1] = 42
	again, _ := s.CurrentArtifact()
	assert.NotEqual(t, byte(42), again.Pixels[1], "readers get copies")
	assert.Equal(t, uint64(1), s.Revision())
	assert.False(t, s.UpdatedAt().IsZero())
}

func TestStoreLastWriterWins(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s.SetCurrentArtifact(opaque(w, 1))
		}(i)
	}
	wg.Wait()

	got, ok := s.CurrentArtifact()
	require.True(t, ok)
	assert.Equal(t, got.Width*4, len(got.Pixels), "never a torn write")
	assert.Equal(t, uint64(20), s.Revision())
}
