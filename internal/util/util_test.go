package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	require.NoError(t, err)
	assert.Len(t, a, 32)

	b, err := RandomBytes(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHKDF_Deterministic(t *testing.T) {
	seed := []byte("seed material for derivation")
	salt := []byte("salt")
	info := []byte("context-1")

	k1, err := HKDF(seed, salt, info)
	require.NoError(t, err)
	assert.Len(t, k1, HKDFKeyLength)

	k2, err := HKDF(seed, salt, info)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestHKDF_InfoSeparatesKeys(t *testing.T) {
	seed := []byte("seed material for derivation")

	k1, err := HKDF(seed, nil, []byte("context-1"))
	require.NoError(t, err)
	k2, err := HKDF(seed, nil, []byte("context-2"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}
