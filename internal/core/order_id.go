package core

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"PerpPool/internal/event"
)

// OrderID derives the content hash identifying a limit order:
//
//	keccak256(trader || price || amount || side || leverage || expiresAt || nonce || engine)
//
// Integers are big-endian; expiresAt is Unix nanoseconds.
func OrderID(
	engine, trader common.Address,
	price, amount int64,
	side event.Side,
	leverage int64,
	expiresAt time.Time,
	nonce uint64,
) common.Hash {
	buf := make([]byte, 0, 2*common.AddressLength+6*8+1)
	buf = append(buf, trader.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(price))
	buf = binary.BigEndian.AppendUint64(buf, uint64(amount))
	buf = append(buf, byte(side))
	buf = binary.BigEndian.AppendUint64(buf, uint64(leverage))
	buf = binary.BigEndian.AppendUint64(buf, uint64(expiresAt.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = append(buf, engine.Bytes()...)
	return crypto.Keccak256Hash(buf)
}
