package noiseprov

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/securemux/channel"
)

var (
	// ErrPeerKeyMismatch indicates the peer presented a static key other than
	// the one the context requires. It is a trust failure, distinct from
	// connection or protocol failures.
	ErrPeerKeyMismatch = errors.New("peer static key mismatch")
	// ErrRecordTooLong indicates a framed record exceeded the protocol limit.
	ErrRecordTooLong = errors.New("record exceeds maximum length")
)

const (
	// maxRecord is the Noise message size limit, which bounds one frame body.
	maxRecord = 65535
	// recordOverhead is the cipher tag plus the record type byte.
	recordOverhead = 17
	// maxPlaintext is the application payload capacity of one record.
	maxPlaintext = maxRecord - recordOverhead

	recordData  byte = 0
	recordClose byte = 1
)

// engine implements channel.Engine over the Noise XX pattern. Records on the
// wire are framed with a 2-byte big-endian length; once the handshake
// completes, each frame body is the encryption of a record type byte followed
// by the payload.
//
// Noise has no delegated long-running computations, so Task always reports
// nil; the NEED_TASK path belongs to engines that have them.
type engine struct {
	hs    *noise.HandshakeState
	send  *noise.CipherState
	recv  *noise.CipherState
	state channel.HandshakeState

	initiator   bool
	peerStatic  []byte
	inClosed    bool
	outClosed   bool
	closeQueued bool
}

var _ channel.Engine = (*engine)(nil)

// newEngine builds an engine for one channel. Client role initiates (initial
// state NEED_WRAP); server role responds (initial state NEED_UNWRAP).
func newEngine(ctx *Context, cfg channel.Config) (*engine, error) {
	static := ctx.StaticKeypair
	if len(static.Private) == 0 {
		generated, err := GenerateKeypair()
		if err != nil {
			return nil, err
		}
		static = generated
	}

	initiator := !cfg.ServerMode
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        nil,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("handshake state creation failed: %w", err)
	}

	e := &engine{
		hs:         hs,
		initiator:  initiator,
		peerStatic: ctx.PeerStatic,
	}
	if initiator {
		e.state = channel.StateNeedWrap
	} else {
		e.state = channel.StateNeedUnwrap
	}
	return e, nil
}

func (e *engine) State() channel.HandshakeState { return e.state }

func (e *engine) Task() func() error { return nil }

func (e *engine) InboundClosed() bool { return e.inClosed }

// Wrap produces the next handshake message when called with nil plaintext in
// NEED_WRAP, or encrypts application data once established.
func (e *engine) Wrap(plaintext []byte, out *bytes.Buffer) (int, error) {
	if e.closeQueued && e.state == channel.StateNeedWrap {
		if err := e.emitClose(out); err != nil {
			return 0, err
		}
		e.closeQueued = false
		e.outClosed = true
		e.state = channel.StateClosed
		return 0, nil
	}

	switch e.state {
	case channel.StateNeedWrap:
		msg, cs1, cs2, err := e.hs.WriteMessage(nil, nil)
		if err != nil {
			return 0, fmt.Errorf("noise handshake write: %w", err)
		}
		writeFrame(out, msg)
		if cs1 != nil {
			if err := e.finishHandshake(cs1, cs2); err != nil {
				return 0, err
			}
		} else {
			e.state = channel.StateNeedUnwrap
		}
		return 0, nil

	case channel.StateEstablished:
		n := len(plaintext)
		if n == 0 {
			return 0, nil
		}
		if n > maxPlaintext {
			n = maxPlaintext
		}
		body := make([]byte, 0, n+1)
		body = append(body, recordData)
		body = append(body, plaintext[:n]...)
		ct, err := e.send.Encrypt(nil, nil, body)
		if err != nil {
			return 0, fmt.Errorf("record encrypt: %w", err)
		}
		writeFrame(out, ct)
		return n, nil

	default:
		return 0, fmt.Errorf("wrap in state %s", e.state)
	}
}

// Unwrap consumes framed transport bytes, advancing the handshake or
// decrypting application records into out.
func (e *engine) Unwrap(ciphertext []byte, out *bytes.Buffer) (int, error) {
	total := 0
	for {
		rest := ciphertext[total:]
		if len(rest) < 2 {
			return total, nil
		}
		length := int(binary.BigEndian.Uint16(rest))
		if length > maxRecord {
			return total, ErrRecordTooLong
		}
		if len(rest) < 2+length {
			return total, nil
		}
		frame := rest[2 : 2+length]

		if e.recv == nil {
			if e.state != channel.StateNeedUnwrap {
				return total, fmt.Errorf("unexpected handshake message in state %s", e.state)
			}
			_, cs1, cs2, err := e.hs.ReadMessage(nil, frame)
			if err != nil {
				return total, fmt.Errorf("noise handshake read: %w", err)
			}
			total += 2 + length
			if cs1 != nil {
				if err := e.finishHandshake(cs1, cs2); err != nil {
					return total, err
				}
				continue
			}
			e.state = channel.StateNeedWrap
			return total, nil
		}

		body, err := e.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return total, fmt.Errorf("record decrypt: %w", err)
		}
		total += 2 + length
		if len(body) < 1 {
			return total, errors.New("record missing type byte")
		}
		switch body[0] {
		case recordData:
			out.Write(body[1:])
		case recordClose:
			e.inClosed = true
			if e.outClosed {
				e.state = channel.StateClosed
			} else {
				// Answer the peer's closure with our own so both sides
				// observe end-of-stream.
				e.closeQueued = true
				e.state = channel.StateNeedWrap
			}
			return total, nil
		default:
			return total, fmt.Errorf("unknown record type %d", body[0])
		}
	}
}

// CloseOutbound queues the protocol-level closure signal. Mid-handshake there
// is no cipher to protect it, so the session simply terminates.
func (e *engine) CloseOutbound(out *bytes.Buffer) error {
	if e.outClosed {
		return nil
	}
	e.outClosed = true
	if e.send == nil {
		e.state = channel.StateClosed
		return nil
	}
	if err := e.emitClose(out); err != nil {
		return err
	}
	if e.inClosed {
		e.state = channel.StateClosed
	} else {
		e.state = channel.StateClosing
	}
	return nil
}

func (e *engine) emitClose(out *bytes.Buffer) error {
	ct, err := e.send.Encrypt(nil, nil, []byte{recordClose})
	if err != nil {
		return fmt.Errorf("close record encrypt: %w", err)
	}
	writeFrame(out, ct)
	return nil
}

// finishHandshake installs the transport ciphers, verifies the peer static
// key when the context requires one, and enters ESTABLISHED.
func (e *engine) finishHandshake(cs1, cs2 *noise.CipherState) error {
	if e.initiator {
		e.send, e.recv = cs1, cs2
	} else {
		e.send, e.recv = cs2, cs1
	}
	if len(e.peerStatic) > 0 {
		remote := e.hs.PeerStatic()
		if subtle.ConstantTimeCompare(remote, e.peerStatic) != 1 {
			return ErrPeerKeyMismatch
		}
	}
	e.state = channel.StateEstablished
	return nil
}

// PeerStatic returns the peer's static public key once known, nil before.
func (e *engine) PeerStatic() []byte {
	if e.hs == nil {
		return nil
	}
	return e.hs.PeerStatic()
}

func writeFrame(out *bytes.Buffer, body []byte) {
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(body)))
	out.Write(header[:])
	out.Write(body)
}
