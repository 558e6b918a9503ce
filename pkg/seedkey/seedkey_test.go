package seedkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXORMask(t *testing.T) {
	algorithm := XORMask{Mask: 0xA5A5A5A5}
	key, err := algorithm.ComputeKey([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7B, 0x08, 0x1B, 0x4A}, key)

	_, err = algorithm.ComputeKey([]byte{1, 2})
	assert.Error(t, err)
}

func TestCMACDeterministicAndSeedSensitive(t *testing.T) {
	algorithm := CMAC{Secret: []byte("0123456789abcdef")}
	key1, err := algorithm.ComputeKey([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Len(t, key1, 4)

	key2, err := algorithm.ComputeKey([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	key3, err := algorithm.ComputeKey([]byte{4, 3, 2, 1})
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestCMACRejectsBadSecret(t *testing.T) {
	algorithm := CMAC{Secret: []byte("short")}
	_, err := algorithm.ComputeKey([]byte{1, 2, 3, 4})
	assert.Error(t, err)
}
