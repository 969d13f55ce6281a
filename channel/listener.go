package channel

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// acceptQueueLimit bounds pending accepted channels per listener.
const acceptQueueLimit = 128

// EngineFactory builds a fresh engine for each accepted connection. Providers
// supply one that carries the listener's security context.
type EngineFactory func(cfg Config) (Engine, error)

// SecureListener wraps a transport listener and yields server-role secure
// channels from Accept. Two executor roles are distinguished: acceptRunner
// dispatches newly accepted connections so a slow handshake cannot stall
// subsequent accepts, and taskRunner carries the cryptographic background
// tasks shared across every channel spawned from this listener.
type SecureListener struct {
	mu           sync.Mutex
	inner        net.Listener
	engines      EngineFactory
	sctx         SecurityContext
	acceptRunner Runner
	taskRunner   Runner
	queue        []*SecureChannel
	acceptErr    error
	closed       bool
	notify       func()
}

var _ Selectable = (*SecureListener)(nil)

// NewSecureListener adopts inner and starts accepting. Ownership of inner
// transfers to the listener.
func NewSecureListener(inner net.Listener, factory EngineFactory, sctx SecurityContext, acceptRunner, taskRunner Runner) (*SecureListener, error) {
	if inner == nil {
		return nil, errors.New("inner listener cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("engine factory cannot be nil")
	}
	if acceptRunner == nil {
		acceptRunner = GoRunner
	}
	if taskRunner == nil {
		taskRunner = GoRunner
	}

	l := &SecureListener{
		inner:        inner,
		engines:      factory,
		sctx:         sctx,
		acceptRunner: acceptRunner,
		taskRunner:   taskRunner,
	}
	go l.acceptLoop()

	logrus.WithField("addr", inner.Addr().String()).Info("Secure listener started")
	return l, nil
}

func (l *SecureListener) acceptLoop() {
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.acceptErr = err
			f := l.notify
			l.mu.Unlock()
			if f != nil {
				f()
			}
			return
		}
		l.acceptRunner.Submit(func() { l.dispatch(conn) })
	}
}

// dispatch builds a server-role secure channel around a freshly accepted
// connection and queues it for Accept.
func (l *SecureListener) dispatch(conn net.Conn) {
	cfg := Config{
		Context:    l.sctx,
		ServerMode: true,
		TaskRunner: l.taskRunner,
		Adopted:    conn,
	}
	engine, err := l.engines(cfg)
	if err != nil {
		logrus.WithField("remote", conn.RemoteAddr().String()).
			WithError(err).Warn("Engine creation for accepted connection failed")
		conn.Close()
		return
	}
	ch, err := NewSecureChannel(engine, cfg)
	if err != nil {
		logrus.WithError(err).Warn("Secure channel creation for accepted connection failed")
		conn.Close()
		return
	}

	l.mu.Lock()
	if l.closed || len(l.queue) >= acceptQueueLimit {
		l.mu.Unlock()
		ch.Close()
		return
	}
	l.queue = append(l.queue, ch)
	f := l.notify
	l.mu.Unlock()
	if f != nil {
		f()
	}
}

// Accept returns the next pending server-role secure channel without
// blocking, or ErrWouldBlock when none is queued. The returned channel's
// handshake begins in server role and carries the listener's security
// context.
func (l *SecureListener) Accept() (*SecureChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if len(l.queue) > 0 {
		ch := l.queue[0]
		l.queue = l.queue[1:]
		return ch, nil
	}
	if l.acceptErr != nil {
		return nil, l.acceptErr
	}
	return nil, ErrWouldBlock
}

// Addr returns the listening address.
func (l *SecureListener) Addr() net.Addr { return l.inner.Addr() }

// Close stops accepting and closes any queued, not-yet-accepted channels.
func (l *SecureListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	queued := l.queue
	l.queue = nil
	f := l.notify
	l.mu.Unlock()

	err := l.inner.Close()
	for _, ch := range queued {
		ch.Close()
	}
	if f != nil {
		f()
	}
	return err
}

// ReadyOps reports OpAccept while a connection or a sticky accept error is
// pending.
func (l *SecureListener) ReadyOps() Ops {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0
	}
	if len(l.queue) > 0 || l.acceptErr != nil {
		return OpAccept
	}
	return 0
}

func (l *SecureListener) setNotify(f func()) {
	l.mu.Lock()
	l.notify = f
	l.mu.Unlock()
}

func (l *SecureListener) pump() {}

func (l *SecureListener) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// PlainListener is the unencrypted counterpart of SecureListener so that
// mixed selectors can multiplex accept readiness for both kinds under one
// loop.
type PlainListener struct {
	mu        sync.Mutex
	inner     net.Listener
	queue     []*PlainChannel
	acceptErr error
	closed    bool
	notify    func()
}

var _ Selectable = (*PlainListener)(nil)

// NewPlainListener adopts inner and starts accepting.
func NewPlainListener(inner net.Listener) (*PlainListener, error) {
	if inner == nil {
		return nil, errors.New("inner listener cannot be nil")
	}
	l := &PlainListener{inner: inner}
	go l.acceptLoop()
	return l, nil
}

func (l *PlainListener) acceptLoop() {
	for {
		conn, err := l.inner.Accept()

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			l.acceptErr = err
			f := l.notify
			l.mu.Unlock()
			if f != nil {
				f()
			}
			return
		}
		if len(l.queue) >= acceptQueueLimit {
			l.mu.Unlock()
			conn.Close()
			continue
		}
		l.queue = append(l.queue, NewPlainChannel(conn))
		f := l.notify
		l.mu.Unlock()
		if f != nil {
			f()
		}
	}
}

// Accept returns the next pending plain channel, or ErrWouldBlock.
func (l *PlainListener) Accept() (*PlainChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if len(l.queue) > 0 {
		ch := l.queue[0]
		l.queue = l.queue[1:]
		return ch, nil
	}
	if l.acceptErr != nil {
		return nil, l.acceptErr
	}
	return nil, ErrWouldBlock
}

// Addr returns the listening address.
func (l *PlainListener) Addr() net.Addr { return l.inner.Addr() }

// Close stops accepting and closes queued channels.
func (l *PlainListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	queued := l.queue
	l.queue = nil
	f := l.notify
	l.mu.Unlock()

	err := l.inner.Close()
	for _, ch := range queued {
		ch.Close()
	}
	if f != nil {
		f()
	}
	return err
}

// ReadyOps reports OpAccept while a connection or accept error is pending.
func (l *PlainListener) ReadyOps() Ops {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0
	}
	if len(l.queue) > 0 || l.acceptErr != nil {
		return OpAccept
	}
	return 0
}

func (l *PlainListener) setNotify(f func()) {
	l.mu.Lock()
	l.notify = f
	l.mu.Unlock()
}

func (l *PlainListener) pump() {}

func (l *PlainListener) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}
