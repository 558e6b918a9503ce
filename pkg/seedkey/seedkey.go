// Package seedkey is the security access (service 0x27) algorithm plug-point
// shared by client and server. The wire format is fixed (4-byte big-endian
// seed and key); the seed-to-key derivation is pluggable.
package seedkey

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	cmac "github.com/chmike/cmac-go"
)

// Algorithm derives the expected key from a seed.
type Algorithm interface {
	ComputeKey(seed []byte) ([]byte, error)
}

// XORMask is the demonstration algorithm: key = seed XOR mask. It offers no
// pre-image resistance and must not gate anything valuable; replay defence
// comes from the server's single-use seed rule.
type XORMask struct {
	Mask uint32
}

func (a XORMask) ComputeKey(seed []byte) ([]byte, error) {
	if len(seed) != 4 {
		return nil, fmt.Errorf("seedkey: expected 4-byte seed, got %d", len(seed))
	}
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, binary.BigEndian.Uint32(seed)^a.Mask)
	return key, nil
}

// CMAC derives the key as AES-CMAC(secret, seed) truncated to the seed
// length. Pre-image resistant as long as the AES key stays secret.
type CMAC struct {
	Secret []byte // 16, 24 or 32 bytes
}

func (a CMAC) ComputeKey(seed []byte) ([]byte, error) {
	mac, err := cmac.New(aes.NewCipher, a.Secret)
	if err != nil {
		return nil, err
	}
	if _, err := mac.Write(seed); err != nil {
		return nil, err
	}
	sum := mac.Sum(nil)
	if len(seed) < len(sum) {
		sum = sum[:len(seed)]
	}
	return sum, nil
}
