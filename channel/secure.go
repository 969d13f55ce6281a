package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// SecureChannel layers a security Engine over a plain transport channel. It
// exposes exactly the plain-channel capability set; the only observable
// differences are the negotiated-security lifecycle and the documented
// protocol property that CloseWrite transmits a closure signal the peer can
// react to.
//
// Readiness reported to a selector always reflects application-level
// plaintext readiness: a channel mid-handshake is never ready, regardless of
// what the transport underneath is doing.
type SecureChannel struct {
	mu        sync.Mutex
	engine    Engine
	transport *PlainChannel
	runner    Runner
	peerHost  string
	peerPort  int

	staging  bytes.Buffer // wrapped bytes awaiting transport room
	inCipher bytes.Buffer // transport bytes awaiting unwrap
	plain    bytes.Buffer // decrypted application bytes

	fillBuf []byte

	taskBusy         bool
	hsErr            error
	transportEOF     bool
	readShut         bool
	writeShutPending bool
	writeShutDone    bool
	closed           bool
	notify           func()
}

var _ Channel = (*SecureChannel)(nil)

// NewSecureChannel builds a secure channel from an engine and a creation
// config. When cfg.Adopted is set, ownership of the connection transfers to
// the returned channel; otherwise the channel starts unconnected and Connect
// must be called before the handshake can proceed.
func NewSecureChannel(engine Engine, cfg Config) (*SecureChannel, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}

	var transport *PlainChannel
	if cfg.Adopted != nil {
		transport = NewPlainChannel(cfg.Adopted)
	} else {
		transport = NewUnconnectedPlainChannel()
	}

	runner := cfg.TaskRunner
	if runner == nil {
		runner = GoRunner
	}

	c := &SecureChannel{
		engine:    engine,
		transport: transport,
		runner:    runner,
		peerHost:  cfg.PeerHost,
		peerPort:  cfg.PeerPort,
		fillBuf:   make([]byte, readChunk),
	}
	transport.setNotify(c.forwardNotify)

	logrus.WithFields(logrus.Fields{
		"server_mode": cfg.ServerMode,
		"peer_host":   cfg.PeerHost,
		"peer_port":   cfg.PeerPort,
		"adopted":     cfg.Adopted != nil,
		"state":       engine.State().String(),
	}).Debug("Secure channel created")

	return c, nil
}

// forwardNotify relays transport readiness changes to the selector so it can
// re-drive the handshake.
func (c *SecureChannel) forwardNotify() {
	c.mu.Lock()
	f := c.notify
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

// Connect starts a non-blocking connection attempt on the transport.
func (c *SecureChannel) Connect(addr string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	return c.transport.Connect(addr)
}

// FinishConnect reports whether a pending transport connect completed.
func (c *SecureChannel) FinishConnect() (bool, error) {
	return c.transport.FinishConnect()
}

// WaitConnect blocks until a pending transport connect resolves or ctx is
// done. The security handshake proceeds afterwards, driven by reads, writes,
// or a selector.
func (c *SecureChannel) WaitConnect(ctx context.Context) error {
	return c.transport.WaitConnect(ctx)
}

// State reports the channel's handshake state. A closed channel is CLOSED
// regardless of where the engine left off.
func (c *SecureChannel) State() HandshakeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return StateClosed
	}
	return c.engine.State()
}

// plainBufferLimit bounds decrypted bytes held for the application. Once it
// is reached the pump stops filling and unwrapping, so backpressure reaches
// the peer through the transport instead of inflating memory; draining
// resumes as Read empties the buffer.
const plainBufferLimit = defaultBufferLimit

// pump drives the handshake state machine as far as it can go without
// blocking. The selector invokes it on every pass; Read and Write invoke it
// opportunistically.
func (c *SecureChannel) pump() {
	c.mu.Lock()
	c.pumpLocked()
	c.mu.Unlock()
}

func (c *SecureChannel) pumpLocked() {
	if c.closed || c.hsErr != nil {
		return
	}
	for {
		switch nextAction(c.engine.State(), c.taskBusy, c.staging.Len() > 0) {
		case actionFlush:
			if !c.flushLocked() {
				return
			}
		case actionWrap:
			if _, err := c.engine.Wrap(nil, &c.staging); err != nil {
				c.failLocked("wrap", err)
				return
			}
		case actionFill:
			if c.plain.Len() >= plainBufferLimit {
				return
			}
			got := c.fillLocked()
			progress := c.unwrapLocked()
			if !got && !progress {
				return
			}
		case actionDispatchTask:
			c.dispatchTaskLocked()
			return
		case actionDrain:
			if c.plain.Len() >= plainBufferLimit {
				c.maybeFinishWriteShutLocked()
				return
			}
			got := c.fillLocked()
			progress := c.unwrapLocked()
			c.maybeFinishWriteShutLocked()
			if c.engine.State() != StateEstablished {
				continue
			}
			if !got && !progress {
				return
			}
		default:
			c.maybeFinishWriteShutLocked()
			return
		}
		if c.closed || c.hsErr != nil {
			return
		}
	}
}

// flushLocked moves staged ciphertext to the transport. It returns false when
// the transport accepted only part of it; interest re-arms on
// transport-writable and the pump resumes then.
func (c *SecureChannel) flushLocked() bool {
	for c.staging.Len() > 0 {
		n, err := c.transport.Write(c.staging.Bytes())
		if n > 0 {
			c.staging.Next(n)
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrNotConnected) {
				return false
			}
			c.failLocked("flush", err)
			return false
		}
	}
	c.maybeFinishWriteShutLocked()
	return true
}

// fillLocked performs a non-blocking transport read into the ciphertext
// buffer, reporting whether any new bytes arrived. One call consumes at most
// one transport buffer's worth so a fast peer cannot keep a single pump pass
// spinning past the plaintext cap.
func (c *SecureChannel) fillLocked() bool {
	got := false
	for budget := defaultBufferLimit; budget > 0; {
		n, err := c.transport.Read(c.fillBuf)
		budget -= n
		if n > 0 {
			c.inCipher.Write(c.fillBuf[:n])
			got = true
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrWouldBlock), errors.Is(err, ErrNotConnected):
			case errors.Is(err, io.EOF):
				c.transportEOF = true
				// An EOF is only fatal mid-handshake once buffered ciphertext
				// has had its chance to complete the negotiation.
				if c.engine.State() != StateEstablished && !c.engine.InboundClosed() &&
					c.inCipher.Len() == 0 {
					c.failLocked("handshake", io.ErrUnexpectedEOF)
				}
			default:
				c.failLocked("transport read", err)
			}
			return got
		}
		if n == 0 {
			return got
		}
	}
	return got
}

// unwrapLocked feeds buffered ciphertext to the engine, reporting whether any
// of it was consumed. Decrypted application bytes accumulate in plain.
func (c *SecureChannel) unwrapLocked() bool {
	if c.inCipher.Len() == 0 {
		return false
	}
	consumed, err := c.engine.Unwrap(c.inCipher.Bytes(), &c.plain)
	if consumed > 0 {
		c.inCipher.Next(consumed)
	}
	if err != nil {
		c.failLocked("unwrap", err)
		return false
	}
	return consumed > 0
}

func (c *SecureChannel) dispatchTaskLocked() {
	task := c.engine.Task()
	if task == nil {
		return
	}
	c.taskBusy = true
	c.runner.Submit(func() {
		err := task()
		c.taskDone(err)
	})
}

// taskDone re-drives the state machine once a background computation
// finishes and wakes any blocked selector so the channel is re-evaluated
// promptly.
func (c *SecureChannel) taskDone(err error) {
	c.mu.Lock()
	c.taskBusy = false
	if c.closed {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.failLocked("task", err)
	} else {
		c.pumpLocked()
	}
	f := c.notify
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *SecureChannel) maybeFinishWriteShutLocked() {
	if !c.writeShutPending || c.staging.Len() > 0 {
		return
	}
	c.writeShutPending = false
	c.writeShutDone = true
	if err := c.transport.CloseWrite(); err != nil && !errors.Is(err, ErrNotConnected) {
		logrus.WithError(err).Debug("Transport half-close after protocol close failed")
	}
}

func (c *SecureChannel) failLocked(op string, err error) {
	if c.hsErr != nil {
		return
	}
	c.hsErr = &HandshakeError{Op: op, Err: err}
	logrus.WithFields(logrus.Fields{
		"op":        op,
		"peer_host": c.peerHost,
		"peer_port": c.peerPort,
	}).WithError(err).Warn("Secure channel failed")
}

// Read returns decrypted application bytes. During the handshake it drives
// the state machine and returns ErrWouldBlock until plaintext is available.
// After the peer's protocol-level close it returns io.EOF.
func (c *SecureChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.readShut {
		return 0, io.EOF
	}
	c.pumpLocked()
	if c.plain.Len() > 0 {
		n, _ := c.plain.Read(p)
		return n, nil
	}
	if c.hsErr != nil {
		return 0, c.hsErr
	}
	if c.engine.InboundClosed() || c.transportEOF {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

// Write encrypts p and stages it for the transport. Before the session is
// established, and while previously wrapped bytes are still in flight, it
// returns ErrWouldBlock. It may consume only a prefix of p.
func (c *SecureChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.writeShutPending || c.writeShutDone {
		return 0, ErrWriteShutdown
	}
	if c.hsErr != nil {
		return 0, c.hsErr
	}
	c.pumpLocked()
	if c.hsErr != nil {
		return 0, c.hsErr
	}
	if c.engine.State() != StateEstablished || c.staging.Len() > 0 {
		return 0, ErrWouldBlock
	}

	consumed, err := c.engine.Wrap(p, &c.staging)
	if err != nil {
		c.failLocked("wrap", err)
		return 0, c.hsErr
	}
	c.flushLocked()
	if consumed == 0 {
		return 0, ErrWouldBlock
	}
	return consumed, nil
}

// CloseRead shuts down the reading half; buffered plaintext is discarded and
// subsequent reads return io.EOF.
func (c *SecureChannel) CloseRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.readShut = true
	c.plain.Reset()
	return c.transport.CloseRead()
}

// CloseWrite queues the protocol-level closure signal, flushes it, and then
// half-closes the transport. Unlike a plain channel, the peer observes the
// closure signal and a compliant implementation may close its own input in
// response; this is a mandated protocol property.
func (c *SecureChannel) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.writeShutPending || c.writeShutDone {
		return nil
	}
	if err := c.engine.CloseOutbound(&c.staging); err != nil {
		c.failLocked("close outbound", err)
		return c.hsErr
	}
	c.writeShutPending = true
	c.pumpLocked()
	return nil
}

// Close transitions the channel to CLOSED from any handshake state, cancels
// further transport I/O, and closes the adopted transport exactly once. An
// outstanding background task is abandoned: its completion is ignored.
func (c *SecureChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	f := c.notify
	c.mu.Unlock()

	err := c.transport.Close()
	if f != nil {
		f()
	}
	return err
}

// SetOption delegates to the transport.
func (c *SecureChannel) SetOption(opt Option, value int) error {
	return c.transport.SetOption(opt, value)
}

// GetOption delegates to the transport.
func (c *SecureChannel) GetOption(opt Option) (int, error) {
	return c.transport.GetOption(opt)
}

// LocalAddr returns the transport's local address.
func (c *SecureChannel) LocalAddr() net.Addr { return c.transport.LocalAddr() }

// RemoteAddr returns the transport's remote address.
func (c *SecureChannel) RemoteAddr() net.Addr { return c.transport.RemoteAddr() }

// ReadyOps reports application-level readiness only: readable when decrypted
// bytes, an end-of-stream condition, or a surfaced failure await the caller;
// writable when the session is established, nothing is staged, and the
// transport has room. Mid-handshake and while a background task is
// outstanding the channel is never ready.
func (c *SecureChannel) ReadyOps() Ops {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	var ops Ops
	if c.hsErr != nil ||
		(!c.taskBusy && (c.plain.Len() > 0 || c.engine.InboundClosed() || c.transportEOF)) {
		ops |= OpRead
	}
	if c.engine.State() == StateEstablished && c.staging.Len() == 0 &&
		!c.writeShutPending && !c.writeShutDone && !c.taskBusy {
		if c.transport.ReadyOps().Has(OpWrite) {
			ops |= OpWrite
		}
	}
	return ops
}

func (c *SecureChannel) setNotify(f func()) {
	c.mu.Lock()
	c.notify = f
	c.mu.Unlock()
}

func (c *SecureChannel) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
