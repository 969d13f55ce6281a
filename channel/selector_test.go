package channel

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorPlainReadiness(t *testing.T) {
	a, b := net.Pipe()
	ca := NewPlainChannel(a)
	cb := NewPlainChannel(b)
	defer ca.Close()
	defer cb.Close()

	sel := NewSelector()
	defer sel.Close()
	reg, err := sel.Register(cb, OpRead)
	require.NoError(t, err)

	// Nothing buffered yet.
	ready, err := sel.SelectNow()
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, err = ca.Write([]byte("ping"))
	require.NoError(t, err)

	ready, err = sel.Select(5 * time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Same(t, reg, ready[0])
	assert.True(t, ready[0].Ready().Has(OpRead))
	assert.Same(t, Selectable(cb), ready[0].Channel())
}

func TestSelectorInterestFilter(t *testing.T) {
	a, b := net.Pipe()
	ca := NewPlainChannel(a)
	cb := NewPlainChannel(b)
	defer ca.Close()
	defer cb.Close()

	sel := NewSelector()
	defer sel.Close()
	// Interested only in reads; an idle writable channel must not surface.
	_, err := sel.Register(cb, OpRead)
	require.NoError(t, err)

	ready, err := sel.SelectNow()
	require.NoError(t, err)
	assert.Empty(t, ready, "writable-only channel filtered by read interest")
}

func TestSelectorReregisterUpdatesInterest(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ch := NewPlainChannel(a)
	defer ch.Close()

	sel := NewSelector()
	defer sel.Close()
	reg1, err := sel.Register(ch, OpRead)
	require.NoError(t, err)
	reg2, err := sel.Register(ch, OpRead|OpWrite)
	require.NoError(t, err)

	assert.Same(t, reg1, reg2, "re-registering returns the existing registration")
	assert.Equal(t, OpRead|OpWrite, reg2.Interest())
}

func TestSelectorTimeout(t *testing.T) {
	sel := NewSelector()
	defer sel.Close()

	start := time.Now()
	ready, err := sel.Select(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSelectorWakeup(t *testing.T) {
	sel := NewSelector()
	defer sel.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ready, err := sel.Select(0)
		assert.NoError(t, err)
		assert.Empty(t, ready)
	}()

	time.Sleep(20 * time.Millisecond)
	sel.Wakeup()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wakeup did not release the blocked Select")
	}
}

func TestSelectorWakeupBeforeSelect(t *testing.T) {
	sel := NewSelector()
	defer sel.Close()

	sel.Wakeup()
	ready, err := sel.Select(0)
	require.NoError(t, err)
	assert.Empty(t, ready, "a pending wakeup makes the next Select return immediately")
}

func TestSelectorCloseAbortsSelect(t *testing.T) {
	sel := NewSelector()

	errs := make(chan error, 1)
	go func() {
		_, err := sel.Select(0)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sel.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrSelectorClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not abort the blocked Select")
	}

	_, err := sel.Register(NewUnconnectedPlainChannel(), OpRead)
	assert.ErrorIs(t, err, ErrSelectorClosed)
}

func TestSelectorDeregistersClosedChannel(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ch := NewPlainChannel(a)

	sel := NewSelector()
	defer sel.Close()
	_, err := sel.Register(ch, OpRead)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	_, err = sel.SelectNow()
	require.NoError(t, err)

	sel.mu.Lock()
	remaining := len(sel.regs)
	sel.mu.Unlock()
	assert.Zero(t, remaining, "closed channels drop out of the selector")
}

func TestSelectorCancelRegistration(t *testing.T) {
	a, b := net.Pipe()
	ca := NewPlainChannel(a)
	cb := NewPlainChannel(b)
	defer ca.Close()
	defer cb.Close()

	sel := NewSelector()
	defer sel.Close()
	reg, err := sel.Register(cb, OpRead)
	require.NoError(t, err)

	reg.Cancel()
	_, err = ca.Write([]byte("after cancel"))
	require.NoError(t, err)

	ready, err := sel.Select(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready, "cancelled registrations never surface")
}

// TestSelectorDrivesHandshake is the selector's real job: registered secure
// channels establish their sessions with no explicit I/O from the caller.
func TestSelectorDrivesHandshake(t *testing.T) {
	client, server := securePair(t)
	defer client.Close()
	defer server.Close()

	sel := NewSelector()
	defer sel.Close()
	_, err := sel.Register(client, OpRead|OpWrite)
	require.NoError(t, err)
	_, err = sel.Register(server, OpRead|OpWrite)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for client.State() != StateEstablished || server.State() != StateEstablished {
		require.False(t, time.Now().After(deadline), "selector failed to drive the handshake")
		_, err := sel.Select(10 * time.Millisecond)
		require.NoError(t, err)
	}

	// Established and idle: both channels report writable.
	ready, err := sel.Select(5 * time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, ready)
	for _, reg := range ready {
		assert.True(t, reg.Ready().Has(OpWrite))
	}
}

// twoRoundEngine establishes only after two full wrap/unwrap round trips.
// All calls arrive under the owning channel's mutex, so plain fields suffice.
type twoRoundEngine struct {
	state  HandshakeState
	server bool
	rounds int
}

func (e *twoRoundEngine) State() HandshakeState { return e.state }
func (e *twoRoundEngine) InboundClosed() bool   { return false }
func (e *twoRoundEngine) Task() func() error    { return nil }

func (e *twoRoundEngine) Wrap(plaintext []byte, out *bytes.Buffer) (int, error) {
	if e.state != StateNeedWrap {
		return 0, errors.New("wrap in invalid state")
	}
	if e.server {
		if e.rounds == 0 {
			out.WriteString("s1")
			e.rounds = 1
			e.state = StateNeedUnwrap
		} else {
			out.WriteString("s2")
			e.rounds = 2
			e.state = StateEstablished
		}
		return 0, nil
	}
	if e.rounds == 0 {
		out.WriteString("c1")
	} else {
		out.WriteString("c2")
	}
	e.state = StateNeedUnwrap
	return 0, nil
}

func (e *twoRoundEngine) Unwrap(ciphertext []byte, out *bytes.Buffer) (int, error) {
	if e.state != StateNeedUnwrap || len(ciphertext) < 2 {
		return 0, nil
	}
	msg := string(ciphertext[:2])
	if e.server {
		want := "c1"
		if e.rounds > 0 {
			want = "c2"
		}
		if msg != want {
			return 0, errors.New("bad handshake message")
		}
		e.state = StateNeedWrap
		return 2, nil
	}
	if e.rounds == 0 {
		if msg != "s1" {
			return 0, errors.New("bad handshake message")
		}
		e.rounds = 1
		e.state = StateNeedWrap
		return 2, nil
	}
	if msg != "s2" {
		return 0, errors.New("bad handshake message")
	}
	e.rounds = 2
	e.state = StateEstablished
	return 2, nil
}

func (e *twoRoundEngine) CloseOutbound(out *bytes.Buffer) error {
	e.state = StateClosed
	return nil
}

// TestSelectorExcludesSecureUntilEstablished drives a negotiation that takes
// two full round trips and checks every intermediate ready set: the secure
// registrations never surface before their sessions establish, while a
// co-registered plain channel stays selectable throughout.
func TestSelectorExcludesSecureUntilEstablished(t *testing.T) {
	pa, pb := net.Pipe()
	plainA := NewPlainChannel(pa)
	plainB := NewPlainChannel(pb)
	defer plainA.Close()
	defer plainB.Close()

	a, b := net.Pipe()
	clientEng := &twoRoundEngine{state: StateNeedWrap}
	serverEng := &twoRoundEngine{state: StateNeedUnwrap, server: true}
	client, err := NewSecureChannel(clientEng, Config{Adopted: a})
	require.NoError(t, err)
	defer client.Close()
	server, err := NewSecureChannel(serverEng, Config{ServerMode: true, Adopted: b})
	require.NoError(t, err)
	defer server.Close()

	sel := NewSelector()
	defer sel.Close()
	regClient, err := sel.Register(client, OpRead|OpWrite)
	require.NoError(t, err)
	regServer, err := sel.Register(server, OpRead|OpWrite)
	require.NoError(t, err)
	regPlain, err := sel.Register(plainB, OpRead)
	require.NoError(t, err)

	_, err = plainA.Write([]byte("plain traffic during negotiation"))
	require.NoError(t, err)

	sawPlain := false
	deadline := time.Now().Add(5 * time.Second)
	for client.State() != StateEstablished || server.State() != StateEstablished {
		require.False(t, time.Now().After(deadline), "negotiation stalled")
		ready, err := sel.Select(10 * time.Millisecond)
		require.NoError(t, err)
		for _, reg := range ready {
			switch reg {
			case regClient:
				require.Equal(t, StateEstablished, client.State(),
					"client surfaced in a ready set mid-negotiation")
			case regServer:
				require.Equal(t, StateEstablished, server.State(),
					"server surfaced in a ready set mid-negotiation")
			case regPlain:
				sawPlain = true
			}
		}
	}

	assert.True(t, sawPlain, "plain channel stayed selectable during the negotiation")
	assert.Equal(t, 2, clientEng.rounds, "negotiation must take two full round trips")
	assert.Equal(t, 2, serverEng.rounds, "negotiation must take two full round trips")
}

func TestSelectorMixedChannels(t *testing.T) {
	pa, pb := net.Pipe()
	plainA := NewPlainChannel(pa)
	plainB := NewPlainChannel(pb)
	defer plainA.Close()
	defer plainB.Close()

	client, server := securePair(t)
	defer client.Close()
	defer server.Close()

	sel := NewSelector()
	defer sel.Close()
	regPlain, err := sel.Register(plainB, OpRead)
	require.NoError(t, err)
	_, err = sel.Register(client, OpRead)
	require.NoError(t, err)
	_, err = sel.Register(server, OpRead)
	require.NoError(t, err)

	_, err = plainA.Write([]byte("plain traffic"))
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.False(t, time.Now().After(deadline))
		ready, err := sel.Select(10 * time.Millisecond)
		require.NoError(t, err)
		found := false
		for _, reg := range ready {
			if reg == regPlain {
				found = true
			}
		}
		if found {
			break
		}
	}
	// Secure channels ended up established purely from selector passes.
	assert.Equal(t, StateEstablished, client.State())
	assert.Equal(t, StateEstablished, server.State())
}

func TestSelectorListenerAccept(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	factory := func(cfg Config) (Engine, error) { return newFakeServer(), nil }
	ln, err := NewSecureListener(inner, factory, nil, nil, nil)
	require.NoError(t, err)
	defer ln.Close()

	sel := NewSelector()
	defer sel.Close()
	reg, err := sel.Register(ln, OpAccept)
	require.NoError(t, err)

	dialed, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer dialed.Close()

	deadline := time.Now().Add(5 * time.Second)
	var accepted *SecureChannel
	for accepted == nil {
		require.False(t, time.Now().After(deadline), "listener never became acceptable")
		ready, err := sel.Select(10 * time.Millisecond)
		require.NoError(t, err)
		for _, r := range ready {
			if r != reg {
				continue
			}
			require.True(t, r.Ready().Has(OpAccept))
			accepted, err = ln.Accept()
			require.NoError(t, err)
		}
	}
	defer accepted.Close()
	assert.Equal(t, StateNeedUnwrap, accepted.State())
}
