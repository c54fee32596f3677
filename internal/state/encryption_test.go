package state

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_Nil(t *testing.T) {
	s, err := NewSealer("")
	require.NoError(t, err)
	assert.Nil(t, s)

	doc := []byte("version: 1\nserial: 0\n")
	out, err := s.Seal(doc)
	require.NoError(t, err)
	assert.Equal(t, doc, out)

	out, err = s.Open(doc)
	require.NoError(t, err)
	assert.Equal(t, doc, out)
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("correct horse battery staple")
	require.NoError(t, err)

	doc := bytes.Repeat([]byte("publicIp: 203.0.113.10\n"), 20)
	sealed, err := s.Seal(doc)
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, string(sealed), "203.0.113.10")
	for _, line := range strings.Split(strings.TrimSpace(string(sealed)), "\n")[1:] {
		assert.LessOrEqual(t, len(line), sealedWidth)
	}

	again, err := s.Seal(doc)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, doc, opened)
}

func TestSealer_Errors(t *testing.T) {
	right, err := NewSealer("right")
	require.NoError(t, err)
	wrong, err := NewSealer("wrong")
	require.NoError(t, err)

	sealed, err := right.Seal([]byte("test data"))
	require.NoError(t, err)

	_, err = wrong.Open(sealed)
	assert.ErrorContains(t, err, "wrong key")

	var none *Sealer
	_, err = none.Open(sealed)
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = right.Open([]byte(sealedHeader + "!!!\n"))
	assert.ErrorIs(t, err, ErrSealedCorrupt)

	_, err = right.Open([]byte(sealedHeader + "AAAA\n"))
	assert.ErrorIs(t, err, ErrSealedCorrupt)
}

func TestIsSealed(t *testing.T) {
	assert.True(t, IsSealed([]byte(sealedHeader+"data")))
	assert.False(t, IsSealed([]byte("version: 1\n")))
	assert.False(t, IsSealed(nil))
}
