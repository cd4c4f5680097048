// Package helpers provides small utility functions shared across the codebase.
package helpers

import (
	"encoding/hex"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a plain hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
