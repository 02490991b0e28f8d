package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF derives a HKDFKeyLength key from seed with HKDF-SHA256.
func HKDF(seed, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, seed, salt, info)
	key := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// WipeBytes zeroes b in place. The runtime may still hold copies.
func WipeBytes(b []byte) {
	clear(b)
}
