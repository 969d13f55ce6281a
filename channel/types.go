package channel

import (
	"bytes"
	"context"
	"io"
	"net"
)

// Ops is a bit set describing readiness or interest in channel operations.
type Ops int

const (
	// OpRead indicates application-level data is (or should become) readable.
	OpRead Ops = 1 << iota
	// OpWrite indicates the channel can (or should become able to) accept writes.
	OpWrite
	// OpAccept indicates a listener has (or should get) a pending connection.
	OpAccept
)

// Has reports whether all bits of flag are set in o.
func (o Ops) Has(flag Ops) bool { return o&flag == flag }

// HandshakeState tracks the security negotiation progress of a secure channel.
// It is mutated only by the channel's own handshake driver and observed by
// the selector.
type HandshakeState int

const (
	// StateNeedUnwrap means the engine needs more transport bytes to make progress.
	StateNeedUnwrap HandshakeState = iota
	// StateNeedWrap means the engine has handshake bytes to produce and flush.
	StateNeedWrap
	// StateNeedTask means a long-running computation must complete before
	// the handshake can continue.
	StateNeedTask
	// StateEstablished means the secure session is ready for application data.
	// A channel may re-enter handshake states from here for renegotiation.
	StateEstablished
	// StateClosing means a protocol-level closure is in progress.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s HandshakeState) String() string {
	switch s {
	case StateNeedUnwrap:
		return "NEED_UNWRAP"
	case StateNeedWrap:
		return "NEED_WRAP"
	case StateNeedTask:
		return "NEED_TASK"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Engine drives the security protocol for a single secure channel. It is an
// opaque collaborator: it consumes and produces transport byte buffers and
// reports its progress through HandshakeState. Concrete engines are supplied
// by providers; the channel core never interprets the bytes.
//
// Engines are not required to be safe for concurrent use; the owning channel
// serializes all calls.
type Engine interface {
	// State reports the current handshake state. The initial state is
	// StateNeedWrap for a client-role engine and StateNeedUnwrap for a
	// server-role engine.
	State() HandshakeState

	// Wrap encrypts plaintext into transport bytes appended to out, returning
	// how many plaintext bytes were consumed. During the handshake the driver
	// calls Wrap with a nil plaintext to produce the next handshake message.
	Wrap(plaintext []byte, out *bytes.Buffer) (int, error)

	// Unwrap consumes transport bytes, appending any plaintext now available
	// to out and returning how many ciphertext bytes were consumed. Zero
	// consumed with a nil error means more input is needed.
	Unwrap(ciphertext []byte, out *bytes.Buffer) (int, error)

	// Task returns an outstanding background computation, or nil if none.
	// The engine updates its own state when the returned function completes.
	Task() func() error

	// CloseOutbound queues the protocol-level closure signal into out.
	CloseOutbound(out *bytes.Buffer) error

	// InboundClosed reports whether the peer's protocol-level closure signal
	// has been received.
	InboundClosed() bool
}

// SecurityContext carries provider-specific key and trust material. A nil
// context selects the active provider's defaults. Concrete providers document
// the context types they accept.
type SecurityContext any

// Selectable is the contract between the selector and the closed set of
// channel variants it can multiplex. Its unexported methods keep the set
// closed: plain channels, secure channels, and listeners from this package.
type Selectable interface {
	// ReadyOps reports current application-level readiness. For a secure
	// channel this never reflects raw transport readiness during a handshake.
	ReadyOps() Ops

	setNotify(func())
	pump()
	isOpen() bool
}

// Channel is the capability set shared by plain and secure byte-stream
// channels. It mirrors the plain transport-channel surface exactly; secure
// variants add no methods beyond it.
type Channel interface {
	Selectable

	// Connect starts a non-blocking connection attempt to addr.
	Connect(addr string) error
	// FinishConnect reports whether a pending connect completed. It returns
	// (false, nil) while the attempt is still in progress.
	FinishConnect() (bool, error)
	// WaitConnect blocks until a pending connect resolves or ctx is done.
	WaitConnect(ctx context.Context) error

	io.Reader
	io.Writer

	// CloseRead shuts down the reading half of the channel.
	CloseRead() error
	// CloseWrite shuts down the writing half of the channel. On a secure
	// channel this transmits a protocol-level closure signal to the peer.
	CloseWrite() error
	Close() error

	SetOption(opt Option, value int) error
	GetOption(opt Option) (int, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
