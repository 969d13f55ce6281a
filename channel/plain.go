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

const (
	// defaultBufferLimit bounds each direction's internal buffer.
	defaultBufferLimit = 64 * 1024
	readChunk          = 32 * 1024
)

// PlainChannel adapts a blocking net.Conn to the non-blocking readiness model
// shared with secure channels. Two pump goroutines move bytes between the
// connection and bounded internal buffers; Read and Write operate on the
// buffers only and report ErrWouldBlock instead of blocking.
//
// A PlainChannel registers with a Selector directly, and also serves as the
// transport under every SecureChannel.
type PlainChannel struct {
	mu   sync.Mutex
	cond *sync.Cond
	conn net.Conn

	in       bytes.Buffer
	out      bytes.Buffer
	inLimit  int
	outLimit int

	connected   bool
	connecting  bool
	connectErr  error
	connectDone chan struct{}

	eof           bool
	readErr       error
	writeErr      error
	readShut      bool
	writeShut     bool
	writeShutDone bool
	closed        bool

	pendingOpts map[Option]int
	optValues   map[Option]int
	notify      func()
}

var _ Channel = (*PlainChannel)(nil)

// NewPlainChannel adopts an already-connected transport connection. Ownership
// transfers: the connection is closed when the channel closes.
func NewPlainChannel(conn net.Conn) *PlainChannel {
	c := newPlainChannel()
	c.mu.Lock()
	c.attachLocked(conn)
	c.mu.Unlock()
	return c
}

// NewUnconnectedPlainChannel creates a channel with no transport yet; a call
// to Connect is required before any data can move.
func NewUnconnectedPlainChannel() *PlainChannel {
	return newPlainChannel()
}

func newPlainChannel() *PlainChannel {
	c := &PlainChannel{
		inLimit:     defaultBufferLimit,
		outLimit:    defaultBufferLimit,
		pendingOpts: make(map[Option]int),
		optValues:   make(map[Option]int),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *PlainChannel) attachLocked(conn net.Conn) {
	c.conn = conn
	c.connected = true
	for opt, value := range c.pendingOpts {
		if err := applyConnOption(conn, opt, value); err != nil {
			logrus.WithFields(logrus.Fields{
				"option": opt.String(),
				"value":  value,
			}).WithError(err).Warn("Deferred socket option could not be applied")
		}
		delete(c.pendingOpts, opt)
	}
	go c.readLoop(conn)
	go c.writeLoop(conn)
}

// Connect starts a non-blocking TCP connection attempt to addr. Completion is
// observed through FinishConnect, WaitConnect, or write readiness.
func (c *PlainChannel) Connect(addr string) error {
	if addr == "" {
		return ErrInvalidAddress
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected || c.connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connecting = true
	done := make(chan struct{})
	c.connectDone = done
	c.mu.Unlock()

	go func() {
		conn, err := net.Dial("tcp", addr)

		c.mu.Lock()
		c.connecting = false
		if err == nil && c.closed {
			conn.Close()
			err = ErrClosed
		}
		if err != nil {
			c.connectErr = err
			c.mu.Unlock()
		} else {
			c.attachLocked(conn)
			c.mu.Unlock()
		}
		close(done)
		c.signalReady()
	}()
	return nil
}

// FinishConnect reports whether a pending connect completed, returning the
// dial error if it failed. It returns (false, nil) while still in progress.
func (c *PlainChannel) FinishConnect() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return true, nil
	}
	if c.connectDone == nil {
		return false, ErrNoPendingConnect
	}
	select {
	case <-c.connectDone:
		if c.connectErr != nil {
			return false, c.connectErr
		}
		return true, nil
	default:
		return false, nil
	}
}

// WaitConnect blocks until a pending connect resolves or ctx is done.
func (c *PlainChannel) WaitConnect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	done := c.connectDone
	c.mu.Unlock()

	if done == nil {
		return ErrNoPendingConnect
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectErr
}

func (c *PlainChannel) readLoop(conn net.Conn) {
	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if n > 0 && !c.readShut {
			for c.in.Len() >= c.inLimit && !c.closed && !c.readShut {
				c.cond.Wait()
			}
			if c.closed {
				c.mu.Unlock()
				return
			}
			if !c.readShut {
				c.in.Write(buf[:n])
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.eof = true
			} else {
				c.readErr = err
				c.eof = true
			}
			c.mu.Unlock()
			c.signalReady()
			return
		}
		c.mu.Unlock()
		c.signalReady()
	}
}

func (c *PlainChannel) writeLoop(conn net.Conn) {
	for {
		c.mu.Lock()
		for c.out.Len() == 0 && !c.closed && !c.writeShut {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		var data []byte
		if c.out.Len() > 0 {
			data = make([]byte, c.out.Len())
			copy(data, c.out.Bytes())
			c.out.Reset()
		}
		shut := c.writeShut && c.out.Len() == 0
		c.mu.Unlock()

		if len(data) > 0 {
			if _, err := conn.Write(data); err != nil {
				c.mu.Lock()
				c.writeErr = err
				c.mu.Unlock()
				c.signalReady()
				return
			}
			c.signalReady()
		}
		if shut {
			if hc, ok := conn.(interface{ CloseWrite() error }); ok {
				if err := hc.CloseWrite(); err != nil {
					logrus.WithError(err).Debug("Transport half-close failed")
				}
			}
			c.mu.Lock()
			c.writeShutDone = true
			c.mu.Unlock()
			c.signalReady()
			return
		}
	}
}

// signalReady invokes the selector wakeup callback, if any. The channel mutex
// is never held across the call.
func (c *PlainChannel) signalReady() {
	c.mu.Lock()
	f := c.notify
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

// Read copies buffered inbound bytes into p without blocking. It returns
// ErrWouldBlock when nothing is available yet and io.EOF once the remote side
// has shut down its output and the buffer is drained.
func (c *PlainChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.readShut {
		return 0, io.EOF
	}
	if c.in.Len() > 0 {
		n, _ := c.in.Read(p)
		c.cond.Broadcast()
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.eof {
		return 0, io.EOF
	}
	if !c.connected {
		return 0, ErrNotConnected
	}
	return 0, ErrWouldBlock
}

// Write appends p to the outbound buffer without blocking. It may accept only
// a prefix of p; a full buffer yields (0, ErrWouldBlock) and write readiness
// re-arms once the pump drains it.
func (c *PlainChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.writeShut {
		return 0, ErrWriteShutdown
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	if !c.connected {
		return 0, ErrNotConnected
	}
	room := c.outLimit - c.out.Len()
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	n := len(p)
	if n > room {
		n = room
	}
	c.out.Write(p[:n])
	c.cond.Broadcast()
	return n, nil
}

// CloseRead shuts down the reading half. Buffered inbound data is discarded
// and subsequent reads return io.EOF.
func (c *PlainChannel) CloseRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.readShut = true
	c.in.Reset()
	c.cond.Broadcast()
	if rc, ok := c.conn.(interface{ CloseRead() error }); ok {
		return rc.CloseRead()
	}
	return nil
}

// CloseWrite flushes buffered outbound data and then half-closes the
// transport, delivering end-of-stream to the peer's reader.
func (c *PlainChannel) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	if c.writeShut {
		return nil
	}
	c.writeShut = true
	c.cond.Broadcast()
	return nil
}

// Close is idempotent; the adopted transport connection is closed exactly
// once.
func (c *PlainChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.cond.Broadcast()
	f := c.notify
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if f != nil {
		f()
	}
	return err
}

// SetOption records and, when connected, applies a socket option.
func (c *PlainChannel) SetOption(opt Option, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		c.pendingOpts[opt] = value
		c.optValues[opt] = value
		return nil
	}
	if err := applyConnOption(c.conn, opt, value); err != nil {
		return err
	}
	c.optValues[opt] = value
	return nil
}

// GetOption returns the last value set for opt. Options never set report
// ErrOptionNotSupported.
func (c *PlainChannel) GetOption(opt Option) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.optValues[opt]
	if !ok {
		return 0, ErrOptionNotSupported
	}
	return value, nil
}

// LocalAddr returns the transport's local address, or nil before connect.
func (c *PlainChannel) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// RemoteAddr returns the transport's remote address, or nil before connect.
func (c *PlainChannel) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// ReadyOps reports transport readiness: readable when buffered bytes or
// end-of-stream are available, writable when the outbound buffer has room. A
// failed connect reports writable so the caller picks the error up through
// FinishConnect.
func (c *PlainChannel) ReadyOps() Ops {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	if !c.connected {
		if c.connectErr != nil {
			return OpWrite
		}
		return 0
	}
	var ops Ops
	if c.in.Len() > 0 || c.eof || c.readErr != nil {
		ops |= OpRead
	}
	if (c.out.Len() < c.outLimit && !c.writeShut) || c.writeErr != nil {
		ops |= OpWrite
	}
	return ops
}

func (c *PlainChannel) setNotify(f func()) {
	c.mu.Lock()
	c.notify = f
	c.mu.Unlock()
}

// pump is a no-op: plain readiness is exactly the transport signal.
func (c *PlainChannel) pump() {}

func (c *PlainChannel) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
