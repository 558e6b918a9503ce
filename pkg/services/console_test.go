package services

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaptureBufferPlainWrite(t *testing.T) {
	var buf captureBuffer
	n, err := buf.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf.Bytes()))
	assert.False(t, buf.overflow)
}

func TestCaptureBufferTruncation(t *testing.T) {
	var buf captureBuffer
	chunk := bytes.Repeat([]byte("x"), 512)
	for i := 0; i < 16; i++ {
		buf.Write(chunk)
	}
	assert.True(t, buf.overflow)
	out := string(buf.Bytes())
	assert.True(t, strings.HasSuffix(out, truncatedMarker))
	assert.LessOrEqual(t, len(out), CaptureBufSize)

	// Further writes are dropped
	before := len(buf.Bytes())
	buf.Write([]byte("more"))
	assert.Equal(t, before, len(buf.Bytes()))
}

func TestCaptureBufferReset(t *testing.T) {
	var buf captureBuffer
	buf.Write(bytes.Repeat([]byte("y"), CaptureBufSize))
	assert.True(t, buf.overflow)
	buf.reset()
	assert.False(t, buf.overflow)
	assert.Empty(t, buf.Bytes())
}

func TestConsoleSwapRestores(t *testing.T) {
	var first, second bytes.Buffer
	console := NewConsole(&first)
	console.Write([]byte("a"))

	prev := console.Swap(&second)
	console.Write([]byte("b"))
	console.Swap(prev)
	console.Write([]byte("c"))

	assert.Equal(t, "ac", first.String())
	assert.Equal(t, "b", second.String())
}
