// Package hash defines the content hash used to address chunks and peers.
package hash

import (
	"bytes"
	"encoding/hex"
	"fmt"
	gohash "hash"

	"golang.org/x/crypto/sha3"
)

// Size is the width of a content hash in bytes (SHA3-224).
const Size = 28

// Hash is a fixed-width content digest. The zero value is the null hash.
type Hash [Size]byte

// Compute returns the hash of data.
func Compute(data []byte) Hash {
	return sha3.Sum224(data)
}

// FromHex parses a hex-encoded hash.
func FromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// Hex returns the hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// IsNull reports whether the hash is the zero value.
func (h Hash) IsNull() bool {
	var zero Hash
	return bytes.Equal(h[:], zero[:])
}

// MarshalText implements encoding.TextMarshaler so hashes round-trip
// through JSON values and map keys.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Digest is a rolling hash over a chunk's bytes. It is fed as bytes are
// written through the cache and compared against the stored hash when the
// last byte arrives.
type Digest struct {
	h gohash.Hash
}

// NewDigest creates an empty rolling digest.
func NewDigest() *Digest {
	return &Digest{h: sha3.New224()}
}

// Write implements io.Writer.
func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the hash of everything written so far.
func (d *Digest) Sum() Hash {
	var h Hash
	copy(h[:], d.h.Sum(nil))
	return h
}

// Reset discards all written bytes.
func (d *Digest) Reset() {
	d.h.Reset()
}
