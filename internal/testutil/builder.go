// Package testutil builds the bitcoin fixtures used across the test suite:
// deterministic keys and spend transactions over P2WSH unvault outputs, in
// the shape managers submit them for cosigning.
package testutil

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	// UnvaultValue is the value in satoshis of every unvault output spent
	// by fixture transactions.
	UnvaultValue int64 = 100000000
	// UnvaultCSV is the relative timelock encumbering unvault outputs.
	UnvaultCSV uint16 = 12
)

// PrivKey returns the secp256k1 key whose secret is b repeated 32 times.
func PrivKey(b byte) *btcec.PrivateKey {
	var raw [32]byte
	for i := range raw {
		raw[i] = b
	}
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return priv
}

// CosignerKey returns the fixture cosigning key.
func CosignerKey() *btcec.PrivateKey {
	return PrivKey(0x01)
}

// OutPoint returns the outpoint at index vout of the txid made of b repeated.
func OutPoint(b byte, vout uint32) wire.OutPoint {
	var txid chainhash.Hash
	for i := range txid {
		txid[i] = b
	}
	return wire.OutPoint{Hash: txid, Index: vout}
}

// UnvaultWitnessScript returns the witness script of the fixture unvault
// output: a CSV delay followed by a 2-of-3 multisig over the manager keys.
func UnvaultWitnessScript(t testing.TB) []byte {
	t.Helper()

	builder := txscript.NewScriptBuilder().
		AddInt64(int64(UnvaultCSV)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_2)
	for _, b := range []byte{0x02, 0x03, 0x04} {
		builder.AddData(PrivKey(b).PubKey().SerializeCompressed())
	}
	script, err := builder.
		AddOp(txscript.OP_3).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
	require.NoError(t, err)
	return script
}

// P2WSHScript returns the v0 witness output script committing to
// witnessScript.
func P2WSHScript(t testing.TB, witnessScript []byte) []byte {
	t.Helper()

	scriptHash := sha256.Sum256(witnessScript)
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	require.NoError(t, err)
	return script
}

// SpendTxPacket builds an unsigned spend transaction packet: one input per
// outpoint, each spending the fixture unvault output, and a single output
// paying outValue to a fixed destination. Different outValue arguments yield
// different transactions over the same outpoints.
func SpendTxPacket(t testing.TB, outValue int64, outpoints ...wire.OutPoint) *psbt.Packet {
	t.Helper()

	unsignedTx := wire.NewMsgTx(2)
	for i := range outpoints {
		in := wire.NewTxIn(&outpoints[i], nil, nil)
		in.Sequence = uint32(UnvaultCSV)
		unsignedTx.AddTxIn(in)
	}

	destKeyHash := btcutil.Hash160(PrivKey(0x05).PubKey().SerializeCompressed())
	destScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(destKeyHash).
		Script()
	require.NoError(t, err)
	unsignedTx.AddTxOut(wire.NewTxOut(outValue, destScript))

	packet, err := psbt.NewFromUnsignedTx(unsignedTx)
	require.NoError(t, err)

	witnessScript := UnvaultWitnessScript(t)
	prevScript := P2WSHScript(t, witnessScript)
	for i := range packet.Inputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(UnvaultValue, prevScript)
		packet.Inputs[i].WitnessScript = witnessScript
	}
	return packet
}

// SpendTx returns the binary serialization of SpendTxPacket.
func SpendTx(t testing.TB, outValue int64, outpoints ...wire.OutPoint) []byte {
	t.Helper()
	return SerializePacket(t, SpendTxPacket(t, outValue, outpoints...))
}

// SerializePacket returns the binary serialization of packet.
func SerializePacket(t testing.TB, packet *psbt.Packet) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, packet.Serialize(&buf))
	return buf.Bytes()
}
