// Package hash provides hashing utilities.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256 computes the SHA256 hash of data and returns it as a hex string.
func SHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256Short returns the first n characters of a SHA256 hash.
func SHA256Short(data []byte, n int) string {
	h := SHA256(data)
	if n > len(h) {
		return h
	}
	return h[:n]
}

// RequestKey derives a short, stable key for deduplicating identical
// requests. parts are joined with a separator that cannot appear in JSON.
func RequestKey(kind string, payload []byte) string {
	data := make([]byte, 0, len(kind)+1+len(payload))
	data = append(data, kind...)
	data = append(data, 0)
	data = append(data, payload...)
	return SHA256Short(data, 16)
}
