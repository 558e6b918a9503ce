// Package crc implements the running CRC-32 carried through block-wise file
// transfers. Polynomial 0xEDB88320 (reflected 0x04C11DB7), pre/post inverted
// against 0xFFFFFFFF, so the empty-input result is 0.
package crc

import "hash/crc32"

// CRC32 accumulates a checksum across successive blocks.
// The zero value is ready to use.
type CRC32 uint32

// Update feeds one block into the running checksum.
func (c *CRC32) Update(data []byte) {
	*c = CRC32(crc32.Update(uint32(*c), crc32.IEEETable, data))
}

// Sum returns the checksum of everything fed so far.
func (c CRC32) Sum() uint32 {
	return uint32(c)
}

// Checksum is a one-shot helper for a complete buffer.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
