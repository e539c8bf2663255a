package core

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

const genesisDomain = "PerpPool:genesis:v1"

// GenesisHash is the chain tip of an engine before its first event.
// Binding the engine address keeps chains of successive engines distinct.
func GenesisHash(engine common.Address) common.Hash {
	h := sha256.New()
	h.Write([]byte(genesisDomain))
	h.Write(engine.Bytes())
	return common.BytesToHash(h.Sum(nil))
}

// hashChain links every emitted event to its predecessor:
//
//	state_hash[n] = SHA-256(state_hash[n-1] || le64(n) || digest[n])
type hashChain struct {
	tip common.Hash
}

func newHashChain(engine common.Address) *hashChain {
	return &hashChain{tip: GenesisHash(engine)}
}

// link appends one event and returns the previous and new tip.
func (c *hashChain) link(sequence int64, digest []byte) (prev, next common.Hash) {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	h := sha256.New()
	h.Write(c.tip[:])
	h.Write(seq[:])
	h.Write(digest)

	prev = c.tip
	c.tip = common.BytesToHash(h.Sum(nil))
	return prev, c.tip
}
