package badgerdb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/revault/cosignerd/internal/core/domain"
)

const signedOutpointDir = "signed-outpoints"

type signedOutpointData struct {
	Txid      string
	Vout      uint32
	Signature []byte
}

type signedOutpointRepository struct {
	store *badgerhold.Store

	// Serializes batches so that a losing writer observes the winner's
	// committed keys as badgerhold.ErrKeyExists instead of failing on a
	// badger transaction conflict.
	writeMtx sync.Mutex
}

func NewSignedOutpointRepository(
	baseDir string, logger badger.Logger,
) (domain.SignedOutpointRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, signedOutpointDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open signed outpoints store: %s", err)
	}
	return &signedOutpointRepository{store: store}, nil
}

func (r *signedOutpointRepository) Get(
	ctx context.Context, outpoint wire.OutPoint,
) (*domain.SignedOutpoint, error) {
	var data signedOutpointData
	if err := r.store.Get(outpointKey(outpoint), &data); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrSignedOutpointNotFound
		}
		return nil, err
	}
	return data.toSignedOutpoint()
}

func (r *signedOutpointRepository) AddBatch(
	ctx context.Context, entries []domain.SignedOutpoint,
) error {
	r.writeMtx.Lock()
	defer r.writeMtx.Unlock()

	return r.store.Badger().Update(func(tx *badger.Txn) error {
		for _, entry := range entries {
			data := newSignedOutpointData(entry)
			if err := r.store.TxInsert(tx, outpointKey(entry.Outpoint), data); err != nil {
				if errors.Is(err, badgerhold.ErrKeyExists) {
					return &domain.OutpointConflictError{Outpoint: entry.Outpoint}
				}
				return err
			}
		}
		return nil
	})
}

func (r *signedOutpointRepository) Close() {
	// nolint:all
	r.store.Close()
}

func outpointKey(outpoint wire.OutPoint) string {
	return hex.EncodeToString(domain.OutpointKey(outpoint))
}

func newSignedOutpointData(entry domain.SignedOutpoint) signedOutpointData {
	return signedOutpointData{
		Txid:      entry.Outpoint.Hash.String(),
		Vout:      entry.Outpoint.Index,
		Signature: entry.Signature,
	}
}

func (d signedOutpointData) toSignedOutpoint() (*domain.SignedOutpoint, error) {
	txid, err := chainhash.NewHashFromStr(d.Txid)
	if err != nil {
		return nil, fmt.Errorf("failed to parse txid: %s", err)
	}
	return &domain.SignedOutpoint{
		Outpoint:  wire.OutPoint{Hash: *txid, Index: d.Vout},
		Signature: d.Signature,
	}, nil
}
