// Package transport implements the encrypted channel of the cosigning
// protocol: Noise_KK_25519_ChaChaPoly_SHA256 over a stream connection,
// followed by length-prefixed encrypted frames.
//
// The KK handshake authenticates both sides from the first byte: each peer
// must know the other's static public key beforehand, so a connection from
// anyone but an authorized manager fails before any payload is exchanged.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
)

// HandshakeMessageSize is the size of both KK handshake messages: a 32-byte
// ephemeral public key and a 16-byte authentication tag over an empty
// payload.
const HandshakeMessageSize = 48

const (
	lengthPrefixSize = 2
	macSize          = 16
	// The frame length prefix is 16 bits and covers the ciphertext, so a
	// frame carries at most 65535 bytes including the authentication tag.
	maxFramePayload = 65535 - macSize
)

// ErrUnknownPeer is returned by Accept when the first handshake message does
// not authenticate against any of the allowed static keys.
var ErrUnknownPeer = errors.New("unknown peer")

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

func handshakeConfig(staticKey PrivateKey, remoteKey PublicKey, initiator bool) (noise.Config, error) {
	pub, err := staticKey.PublicKey()
	if err != nil {
		return noise.Config{}, fmt.Errorf("failed to derive static public key: %s", err)
	}
	return noise.Config{
		CipherSuite: cipherSuite(),
		Pattern:     noise.HandshakeKK,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: staticKey[:],
			Public:  pub[:],
		},
		PeerStatic: remoteKey[:],
	}, nil
}

// Conn is an established Noise channel. Frames are encrypted and
// authenticated in both directions with the keys agreed during the
// handshake.
type Conn struct {
	conn   net.Conn
	remote PublicKey
	enc    *noise.CipherState
	dec    *noise.CipherState
}

// Accept runs the responder side of the KK handshake on conn. The initiator
// is authenticated by trying its first message against each allowed static
// key: ErrUnknownPeer is returned when none of them accepts it.
func Accept(conn net.Conn, staticKey PrivateKey, allowed []PublicKey) (*Conn, error) {
	msg := make([]byte, HandshakeMessageSize)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, fmt.Errorf("failed to read handshake message: %s", err)
	}

	for _, candidate := range allowed {
		cfg, err := handshakeConfig(staticKey, candidate, false)
		if err != nil {
			return nil, err
		}
		// A failed read poisons the handshake state, so each candidate
		// gets a fresh one.
		hs, err := noise.NewHandshakeState(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize handshake: %s", err)
		}
		if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
			continue
		}

		reply, initiatorToResponder, responderToInitiator, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to finalize handshake: %s", err)
		}
		if _, err := conn.Write(reply); err != nil {
			return nil, fmt.Errorf("failed to write handshake message: %s", err)
		}

		return &Conn{
			conn:   conn,
			remote: candidate,
			enc:    responderToInitiator,
			dec:    initiatorToResponder,
		}, nil
	}

	return nil, ErrUnknownPeer
}

// Dial runs the initiator side of the KK handshake on conn, authenticating
// the remote end against remoteKey.
func Dial(conn net.Conn, staticKey PrivateKey, remoteKey PublicKey) (*Conn, error) {
	cfg, err := handshakeConfig(staticKey, remoteKey, true)
	if err != nil {
		return nil, err
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handshake: %s", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to write handshake message: %s", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("failed to write handshake message: %s", err)
	}

	reply := make([]byte, HandshakeMessageSize)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return nil, fmt.Errorf("failed to read handshake message: %s", err)
	}
	_, initiatorToResponder, responderToInitiator, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize handshake: %s", err)
	}

	return &Conn{
		conn:   conn,
		remote: remoteKey,
		enc:    initiatorToResponder,
		dec:    responderToInitiator,
	}, nil
}

// WriteFrame encrypts payload and writes it as a single frame: a 2-byte
// big-endian ciphertext length followed by the ciphertext.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("payload of %d bytes exceeds the %d bytes frame limit", len(payload), maxFramePayload)
	}

	ciphertext, err := c.enc.Encrypt(nil, nil, payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt frame: %s", err)
	}

	frame := make([]byte, lengthPrefixSize+len(ciphertext))
	binary.BigEndian.PutUint16(frame, uint16(len(ciphertext)))
	copy(frame[lengthPrefixSize:], ciphertext)
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %s", err)
	}
	return nil
}

// ReadFrame reads a single frame and returns its decrypted payload. Frames
// that fail authentication are rejected and the connection must be dropped,
// the cipher state is not recoverable.
func (c *Conn) ReadFrame() ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %s", err)
	}
	length := binary.BigEndian.Uint16(prefix[:])
	if length < macSize {
		return nil, fmt.Errorf("frame of %d bytes is shorter than the authentication tag", length)
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(c.conn, ciphertext); err != nil {
		return nil, fmt.Errorf("failed to read frame: %s", err)
	}

	payload, err := c.dec.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate frame: %s", err)
	}
	return payload, nil
}

// RemoteStatic returns the static public key the remote end authenticated
// with during the handshake.
func (c *Conn) RemoteStatic() PublicKey {
	return c.remote
}

// RemoteAddr returns the network address of the remote end.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadline of the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
