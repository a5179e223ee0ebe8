package domain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// OutpointKeySize is the length of the canonical outpoint encoding: the
// 32-byte txid in internal byte order followed by the little-endian vout.
const OutpointKeySize = 36

// ErrSignedOutpointNotFound is returned by lookups of outpoints the daemon
// never signed.
var ErrSignedOutpointNotFound = errors.New("signed outpoint not found")

// OutpointConflictError reports a commit attempt on an outpoint that already
// has a stored signature.
type OutpointConflictError struct {
	Outpoint wire.OutPoint
}

func (e *OutpointConflictError) Error() string {
	return fmt.Sprintf("outpoint %s already signed", e.Outpoint.String())
}

// SignedOutpoint binds a spent outpoint to the signature emitted for it.
type SignedOutpoint struct {
	Outpoint  wire.OutPoint
	Signature []byte
}

// OutpointKey encodes an outpoint as its canonical 36-byte ledger key.
func OutpointKey(outpoint wire.OutPoint) []byte {
	key := make([]byte, OutpointKeySize)
	copy(key, outpoint.Hash[:])
	binary.LittleEndian.PutUint32(key[32:], outpoint.Index)
	return key
}

// SignedOutpointRepository is the anti-replay ledger: every outpoint the
// daemon ever signed, with the signature it produced. Entries are never
// updated or deleted.
type SignedOutpointRepository interface {
	// Get returns the stored entry or ErrSignedOutpointNotFound.
	Get(ctx context.Context, outpoint wire.OutPoint) (*SignedOutpoint, error)
	// AddBatch atomically inserts all entries. If any outpoint already has
	// a stored signature, nothing is written and an OutpointConflictError
	// identifies the offender. A successful AddBatch is durable on disk
	// when it returns.
	AddBatch(ctx context.Context, entries []SignedOutpoint) error
	Close()
}
