// Package keys loads the two secrets of the cosigner from its data
// directory: the secp256k1 key signing spend transactions and the Curve25519
// key authenticating the transport.
//
// Both files must exist before startup, hold exactly 32 raw bytes and be
// readable by their owner only. The daemon never generates key material.
package keys

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/revault/cosignerd/pkg/transport"
)

// KeySize is the size in bytes of both secret files.
const KeySize = 32

// Names of the secret files under the data directory.
const (
	BitcoinSecretFile = "bitcoin_secret"
	NoiseSecretFile   = "noise_secret"
)

// ReadBitcoinKey loads the signing key from the bitcoin_secret file under
// datadir. The raw bytes must be a valid secp256k1 scalar, neither zero nor
// above the curve order.
func ReadBitcoinKey(datadir string) (*btcec.PrivateKey, error) {
	raw, err := readSecretFile(filepath.Join(datadir, BitcoinSecretFile))
	if err != nil {
		return nil, err
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow {
		return nil, fmt.Errorf("bitcoin secret exceeds the secp256k1 curve order")
	}
	if scalar.IsZero() {
		return nil, fmt.Errorf("bitcoin secret must not be zero")
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// ReadNoiseKey loads the transport static key from the noise_secret file
// under datadir.
func ReadNoiseKey(datadir string) (transport.PrivateKey, error) {
	raw, err := readSecretFile(filepath.Join(datadir, NoiseSecretFile))
	if err != nil {
		return transport.PrivateKey{}, err
	}

	var key transport.PrivateKey
	copy(key[:], raw)
	if key == (transport.PrivateKey{}) {
		return transport.PrivateKey{}, fmt.Errorf("noise secret must not be zero")
	}
	return key, nil
}

func readSecretFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %s", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("secret file %s is not a regular file", path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf(
			"secret file %s has mode %04o, must not be accessible by group or others", path, perm,
		)
	}
	if info.Size() != KeySize {
		return nil, fmt.Errorf(
			"secret file %s holds %d bytes, expected exactly %d", path, info.Size(), KeySize,
		)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %s", err)
	}
	return raw, nil
}
