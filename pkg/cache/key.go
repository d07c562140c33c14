package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key identifies a cached decision. It is a SHA-256 digest over the policy
// identifier and the canonical JSON encoding of the evaluation input.
type Key [sha256.Size]byte

// String returns the hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// NewKey derives the key for evaluating policy at the given generation
// against input. Callers must strip ephemeral fields (timestamps, request
// IDs) from input beforehand; map keys are sorted by encoding/json so equal
// inputs always produce equal keys.
func NewKey(policy string, generation uint64, input any) (Key, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return Key{}, fmt.Errorf("failed to encode cache key input: %w", err)
	}

	h := sha256.New()

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(policy)))
	h.Write(lenBuf[:])
	h.Write([]byte(policy))

	var genBuf [8]byte
	binary.BigEndian.PutUint64(genBuf[:], generation)
	h.Write(genBuf[:])

	h.Write(payload)

	var k Key
	h.Sum(k[:0])
	return k, nil
}
