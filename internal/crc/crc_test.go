package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumKnownVector(t *testing.T) {
	assert.EqualValues(t, 0xCBF43926, Checksum([]byte("123456789")))
}

func TestEmptyInputIsZero(t *testing.T) {
	var c CRC32
	assert.EqualValues(t, 0, c.Sum())
	assert.EqualValues(t, 0, Checksum(nil))
}

func TestRunningMatchesOneShot(t *testing.T) {
	payload := []byte("The quick brown fox jumps over the lazy dog")
	var c CRC32
	c.Update(payload[:10])
	c.Update(payload[10:17])
	c.Update(payload[17:])
	assert.Equal(t, Checksum(payload), c.Sum())
}
