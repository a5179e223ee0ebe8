package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SignMethod is the only method of the cosigning protocol.
const SignMethod = "sign"

// SignRequest asks the cosigner to sign every input of a spend transaction.
type SignRequest struct {
	Method string     `json:"method"`
	Params SignParams `json:"params"`
}

// SignParams carries the spend transaction of a sign request, as the hex
// encoding of its binary serialization.
type SignParams struct {
	Tx string `json:"tx"`
}

// SignResponse carries the transaction returned by the cosigner: signed on a
// grant, echoed unchanged on a refusal.
type SignResponse struct {
	Result SignResult `json:"result"`
}

// SignResult carries the response transaction, hex encoded like the request.
type SignResult struct {
	Tx string `json:"tx"`
}

// EncodeSignRequest encodes the binary serialization of a spend transaction
// into a sign request message.
func EncodeSignRequest(rawTx []byte) ([]byte, error) {
	if len(rawTx) <= 0 {
		return nil, fmt.Errorf("missing transaction")
	}
	return json.Marshal(SignRequest{
		Method: SignMethod,
		Params: SignParams{Tx: hex.EncodeToString(rawTx)},
	})
}

// DecodeSignRequest decodes a sign request message and returns the binary
// serialization of the transaction it carries. Messages with unknown fields,
// missing fields, trailing data or a method other than "sign" are rejected.
func DecodeSignRequest(msg []byte) ([]byte, error) {
	var req SignRequest
	if err := decodeStrict(msg, &req); err != nil {
		return nil, fmt.Errorf("failed to decode sign request: %s", err)
	}
	if req.Method != SignMethod {
		return nil, fmt.Errorf("unexpected method %q", req.Method)
	}
	return decodeTx(req.Params.Tx)
}

// EncodeSignResponse encodes the binary serialization of the response
// transaction into a sign response message.
func EncodeSignResponse(rawTx []byte) ([]byte, error) {
	if len(rawTx) <= 0 {
		return nil, fmt.Errorf("missing transaction")
	}
	return json.Marshal(SignResponse{
		Result: SignResult{Tx: hex.EncodeToString(rawTx)},
	})
}

// DecodeSignResponse decodes a sign response message and returns the binary
// serialization of the transaction it carries, with the same strictness as
// DecodeSignRequest.
func DecodeSignResponse(msg []byte) ([]byte, error) {
	var resp SignResponse
	if err := decodeStrict(msg, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode sign response: %s", err)
	}
	return decodeTx(resp.Result.Tx)
}

func decodeStrict(msg []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after message")
	}
	return nil
}

func decodeTx(txHex string) ([]byte, error) {
	if len(txHex) <= 0 {
		return nil, fmt.Errorf("missing transaction")
	}
	rawTx, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %s", err)
	}
	return rawTx, nil
}
