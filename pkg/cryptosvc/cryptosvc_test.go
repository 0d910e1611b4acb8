package cryptosvc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapGeneratesAndPersistsKey(t *testing.T) {
	dir := t.TempDir()

	s1, err := Bootstrap(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	s2, err := Bootstrap(dir)
	require.NoError(t, err)
	assert.Equal(t, s1.PublicKeyHex(), s2.PublicKeyHex())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := Bootstrap(t.TempDir())
	require.NoError(t, err)

	data := []byte("canonical subject bytes")
	sig, pubHex := s.Sign(data)

	ok, err := Verify(data, sig, pubHex)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	s, err := Bootstrap(t.TempDir())
	require.NoError(t, err)

	data := []byte("original")
	sig, pubHex := s.Sign(data)

	ok, err := Verify([]byte("tampered"), sig, pubHex)
	require.NoError(t, err)
	assert.False(t, ok)
}
