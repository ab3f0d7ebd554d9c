package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "CrossMargin:genesis:v1"

// GenesisHash is the chain tip before sequence 0.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// LinkHash returns SHA-256(prev || sequence as 8 bytes LE || digest).
func LinkHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	buf := make([]byte, 0, len(prev)+8+len(digest))
	buf = append(buf, prev[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, digest...)
	return sha256.Sum256(buf)
}

// StateHasher holds the tip of the envelope hash chain.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// Extend links one more envelope onto the chain and returns the new tip.
func (h *StateHasher) Extend(sequence int64, digest []byte) [32]byte {
	h.tip = LinkHash(h.tip, sequence, digest)
	return h.tip
}

func (h *StateHasher) Tip() [32]byte { return h.tip }

// Reset moves the tip, used when restoring a snapshot.
func (h *StateHasher) Reset(tip [32]byte) { h.tip = tip }
