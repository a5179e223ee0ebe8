package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"

	"github.com/revault/cosignerd/internal/core/domain"
	"github.com/revault/cosignerd/internal/core/ports"
	"github.com/revault/cosignerd/pkg/spendtx"
)

// ErrInvalidSpendTx marks sign requests whose transaction could not be
// decoded or does not qualify for signing. The connection is dropped without
// a response in that case, a refusal is expressed by echoing the request.
var ErrInvalidSpendTx = errors.New("invalid spend transaction")

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Service signs each vault outpoint at most once. Every signature it has
// ever produced is recorded in the ledger before leaving the daemon, so a
// spend transaction conflicting with a previously signed one can never
// obtain a signature, across restarts included.
type Service struct {
	BuildInfo BuildInfo

	signingKey  *btcec.PrivateKey
	publicKey   *btcec.PublicKey
	repoManager ports.RepoManager
}

func NewService(
	buildInfo BuildInfo, signingKey *btcec.PrivateKey, repoManager ports.RepoManager,
) (*Service, error) {
	if signingKey == nil {
		return nil, fmt.Errorf("missing signing key")
	}
	if repoManager == nil {
		return nil, fmt.Errorf("missing repo manager")
	}
	return &Service{
		BuildInfo:   buildInfo,
		signingKey:  signingKey,
		publicKey:   signingKey.PubKey(),
		repoManager: repoManager,
	}, nil
}

// PublicKey returns the public key the service signs with.
func (s *Service) PublicKey() *btcec.PublicKey {
	return s.publicKey
}

// ProcessSignRequest handles the binary serialization of a requested spend
// transaction and returns the serialization of the response transaction:
// with a signature attached to every input on a grant, unchanged on a
// refusal. An exact replay of a previously granted transaction is served
// again from the stored signatures, producing the same response.
func (s *Service) ProcessSignRequest(ctx context.Context, rawTx []byte) ([]byte, error) {
	tx, err := spendtx.Decode(rawTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSpendTx, err)
	}

	digests, err := tx.SigHashes()
	if err != nil {
		return nil, fmt.Errorf("failed to compute signature hashes: %s", err)
	}

	outpoints := tx.Outpoints()
	repo := s.repoManager.SignedOutpoints()

	stored := make([]*domain.SignedOutpoint, len(outpoints))
	numStored := 0
	for i, outpoint := range outpoints {
		entry, err := repo.Get(ctx, outpoint)
		if err != nil {
			if errors.Is(err, domain.ErrSignedOutpointNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to query signed outpoints: %s", err)
		}
		stored[i] = entry
		numStored++
	}

	if numStored > 0 {
		return s.processKnownOutpoints(tx, rawTx, digests, stored, numStored)
	}

	signatures := make([][]byte, len(outpoints))
	entries := make([]domain.SignedOutpoint, len(outpoints))
	for i, digest := range digests {
		signatures[i] = spendtx.SignDigest(s.signingKey, digest)
		entries[i] = domain.SignedOutpoint{Outpoint: outpoints[i], Signature: signatures[i]}
	}

	// The ledger commit comes first: a signature must never leave the
	// daemon without its outpoint being durably recorded.
	if err := repo.AddBatch(ctx, entries); err != nil {
		var conflictErr *domain.OutpointConflictError
		if errors.As(err, &conflictErr) {
			log.WithFields(log.Fields{
				"txid":     tx.TxHash().String(),
				"outpoint": conflictErr.Outpoint.String(),
			}).Warn("refusing to sign: outpoint was signed concurrently")
			return rawTx, nil
		}
		return nil, fmt.Errorf("failed to record signed outpoints: %s", err)
	}

	for i, signature := range signatures {
		tx.AttachSignature(i, s.publicKey, signature)
	}
	signedTx, err := tx.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize signed transaction: %s", err)
	}

	log.WithFields(log.Fields{
		"txid":   tx.TxHash().String(),
		"inputs": tx.NumInputs(),
	}).Info("signed spend transaction")
	return signedTx, nil
}

// processKnownOutpoints handles requests with at least one outpoint already
// in the ledger. Only an exact replay is granted, by serving the stored
// signatures again, anything else is a double-spend attempt and gets the
// request echoed back.
func (s *Service) processKnownOutpoints(
	tx *spendtx.Tx, rawTx []byte, digests [][]byte,
	stored []*domain.SignedOutpoint, numStored int,
) ([]byte, error) {
	conflicting := make([]string, 0, numStored)
	for i, entry := range stored {
		if entry == nil {
			continue
		}
		if !spendtx.VerifySignature(entry.Signature, digests[i], s.publicKey) {
			conflicting = append(conflicting, entry.Outpoint.String())
		}
	}

	if numStored == len(digests) && len(conflicting) == 0 {
		for i, entry := range stored {
			tx.AttachSignature(i, s.publicKey, entry.Signature)
		}
		signedTx, err := tx.Serialize()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize signed transaction: %s", err)
		}
		log.WithField("txid", tx.TxHash().String()).Info(
			"served stored signatures for replayed transaction",
		)
		return signedTx, nil
	}

	if len(conflicting) == 0 {
		for _, entry := range stored {
			if entry != nil {
				conflicting = append(conflicting, entry.Outpoint.String())
			}
		}
	}
	log.WithFields(log.Fields{
		"txid":      tx.TxHash().String(),
		"outpoints": conflicting,
	}).Warn("refusing to sign: outpoints already signed for a different transaction")
	return rawTx, nil
}
