package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeHash encodes a 32-byte identifier as a 0x-prefixed hex string.
func EncodeHash(b [32]byte) string {
	return "0x" + hex.EncodeToString(b[:])
}

// DecodeHash decodes a 0x-prefixed (or bare) hex string into a 32-byte
// identifier. Fails on any other length.
func DecodeHash(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// IsZeroHash reports whether the 32-byte identifier is all zeroes.
func IsZeroHash(b [32]byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// ValidateEVMAddress checks that s looks like a 0x-prefixed 20-byte address.
func ValidateEVMAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
