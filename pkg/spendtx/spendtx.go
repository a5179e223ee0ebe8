// Package spendtx models the spend transactions presented to the cosigner.
// Transactions travel as BIP-174 packets carrying, per input, the witness
// utxo being spent and the witness script it commits to; that is everything
// needed to compute the BIP-143 digests the oracle signs.
package spendtx

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// minSignatureSize is the shortest possible DER signature (8 bytes) plus the
// trailing sighash byte.
const minSignatureSize = 9

// Tx is a validated spend transaction: every input spends a segwit v0 P2WSH
// output whose witness script is attached, and no input is finalized yet.
type Tx struct {
	packet *psbt.Packet
}

// Decode parses raw as a spend transaction and validates it for signing.
func Decode(raw []byte) (*Tx, error) {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}

	if len(packet.UnsignedTx.TxIn) == 0 {
		return nil, fmt.Errorf("transaction has no inputs")
	}
	if len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {
		return nil, fmt.Errorf("transaction carries %d input maps for %d inputs",
			len(packet.Inputs), len(packet.UnsignedTx.TxIn))
	}

	seen := make(map[wire.OutPoint]struct{}, len(packet.UnsignedTx.TxIn))
	for i, txIn := range packet.UnsignedTx.TxIn {
		if _, ok := seen[txIn.PreviousOutPoint]; ok {
			return nil, fmt.Errorf("input %d repeats outpoint %s", i, txIn.PreviousOutPoint)
		}
		seen[txIn.PreviousOutPoint] = struct{}{}
	}

	for i, input := range packet.Inputs {
		if len(input.FinalScriptWitness) > 0 || len(input.FinalScriptSig) > 0 {
			return nil, fmt.Errorf("input %d is already finalized", i)
		}
		if input.WitnessUtxo == nil {
			return nil, fmt.Errorf("input %d has no witness utxo", i)
		}
		if len(input.WitnessScript) == 0 {
			return nil, fmt.Errorf("input %d has no witness script", i)
		}
		if input.SighashType != 0 && input.SighashType != txscript.SigHashAll {
			return nil, fmt.Errorf("input %d requests sighash type %d, only SIGHASH_ALL is signed",
				i, input.SighashType)
		}
		if !commitsToScript(input.WitnessUtxo.PkScript, input.WitnessScript) {
			return nil, fmt.Errorf("input %d witness utxo does not commit to its witness script", i)
		}
	}

	return &Tx{packet: packet}, nil
}

// commitsToScript reports whether pkScript is the segwit v0 P2WSH output
// script for witnessScript.
func commitsToScript(pkScript, witnessScript []byte) bool {
	scriptHash := sha256.Sum256(witnessScript)
	expected, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	if err != nil {
		return false
	}
	return bytes.Equal(pkScript, expected)
}

// TxHash returns the txid of the unsigned transaction.
func (t *Tx) TxHash() chainhash.Hash {
	return t.packet.UnsignedTx.TxHash()
}

// NumInputs returns the number of inputs.
func (t *Tx) NumInputs() int {
	return len(t.packet.UnsignedTx.TxIn)
}

// Outpoints returns the outpoint spent by each input, in input order.
func (t *Tx) Outpoints() []wire.OutPoint {
	outpoints := make([]wire.OutPoint, 0, len(t.packet.UnsignedTx.TxIn))
	for _, txIn := range t.packet.UnsignedTx.TxIn {
		outpoints = append(outpoints, txIn.PreviousOutPoint)
	}
	return outpoints
}

// SigHashes computes the BIP-143 SIGHASH_ALL digest of every input, in input
// order, using each input's witness script and witness utxo value.
func (t *Tx) SigHashes() ([][]byte, error) {
	prevouts := make(map[wire.OutPoint]*wire.TxOut, len(t.packet.Inputs))
	for i, input := range t.packet.Inputs {
		prevouts[t.packet.UnsignedTx.TxIn[i].PreviousOutPoint] = input.WitnessUtxo
	}
	prevoutFetcher := txscript.NewMultiPrevOutFetcher(prevouts)
	txSigHashes := txscript.NewTxSigHashes(t.packet.UnsignedTx, prevoutFetcher)

	digests := make([][]byte, len(t.packet.Inputs))
	for i, input := range t.packet.Inputs {
		digest, err := txscript.CalcWitnessSigHash(
			input.WitnessScript,
			txSigHashes,
			txscript.SigHashAll,
			t.packet.UnsignedTx,
			i,
			input.WitnessUtxo.Value,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to compute sighash of input %d: %w", i, err)
		}
		digests[i] = digest
	}
	return digests, nil
}

// AttachSignature sets the partial signature of input i under pubKey,
// replacing any existing entry for the same key and keeping foreign
// signatures in place.
func (t *Tx) AttachSignature(i int, pubKey *btcec.PublicKey, sig []byte) {
	pub := pubKey.SerializeCompressed()
	partialSigs := make([]*psbt.PartialSig, 0, len(t.packet.Inputs[i].PartialSigs)+1)
	for _, partialSig := range t.packet.Inputs[i].PartialSigs {
		if bytes.Equal(partialSig.PubKey, pub) {
			continue
		}
		partialSigs = append(partialSigs, partialSig)
	}
	partialSigs = append(partialSigs, &psbt.PartialSig{PubKey: pub, Signature: sig})
	t.packet.Inputs[i].PartialSigs = partialSigs
}

// Serialize encodes the transaction back to its interchange form.
func (t *Tx) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// SignDigest produces the wire signature for a BIP-143 digest: deterministic
// (RFC 6979) ECDSA, DER-encoded, with the SIGHASH_ALL byte appended.
func SignDigest(privKey *btcec.PrivateKey, digest []byte) []byte {
	sig := ecdsa.Sign(privKey, digest)
	return append(sig.Serialize(), byte(txscript.SigHashAll))
}

// VerifySignature reports whether sig is a valid SIGHASH_ALL wire signature
// for digest under pubKey.
func VerifySignature(sig, digest []byte, pubKey *btcec.PublicKey) bool {
	if len(sig) < minSignatureSize {
		return false
	}
	if txscript.SigHashType(sig[len(sig)-1]) != txscript.SigHashAll {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}
	return parsed.Verify(digest, pubKey)
}
