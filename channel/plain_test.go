package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollRead retries a non-blocking read until data arrives or the deadline
// passes.
func pollRead(t *testing.T, ch Channel, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	collected := make([]byte, 0, n)
	deadline := time.Now().Add(5 * time.Second)
	for len(collected) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out reading %d bytes, got %d", n, len(collected))
		}
		got, err := ch.Read(buf)
		collected = append(collected, buf[:got]...)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				time.Sleep(time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
	}
	return collected
}

func TestPlainChannelReadWrite(t *testing.T) {
	a, b := net.Pipe()
	ca := NewPlainChannel(a)
	cb := NewPlainChannel(b)
	defer ca.Close()
	defer cb.Close()

	msg := []byte("hello over the transport")
	n, err := ca.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	assert.Equal(t, msg, pollRead(t, cb, len(msg)))
}

func TestPlainChannelReadWouldBlock(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ch := NewPlainChannel(a)
	defer ch.Close()

	_, err := ch.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestPlainChannelEOF(t *testing.T) {
	a, b := net.Pipe()
	ch := NewPlainChannel(a)
	defer ch.Close()

	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		_, err := ch.Read(make([]byte, 16))
		return errors.Is(err, io.EOF)
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, ch.ReadyOps().Has(OpRead), "end-of-stream must report readable")
}

func TestPlainChannelUnconnected(t *testing.T) {
	ch := NewUnconnectedPlainChannel()
	defer ch.Close()

	_, err := ch.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = ch.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = ch.FinishConnect()
	assert.ErrorIs(t, err, ErrNoPendingConnect)
	assert.Equal(t, Ops(0), ch.ReadyOps())
}

func TestPlainChannelConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}
	}()

	ch := NewUnconnectedPlainChannel()
	defer ch.Close()

	require.NoError(t, ch.Connect(ln.Addr().String()))
	assert.ErrorIs(t, ch.Connect(ln.Addr().String()), ErrAlreadyConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.WaitConnect(ctx))

	done, err := ch.FinishConnect()
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, ch.ReadyOps().Has(OpWrite))
	assert.NotNil(t, ch.RemoteAddr())
}

func TestPlainChannelConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ch := NewUnconnectedPlainChannel()
	defer ch.Close()

	require.NoError(t, ch.Connect(addr))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, ch.WaitConnect(ctx))

	// A failed connect reports writable so a selector loop surfaces the
	// error through FinishConnect.
	assert.True(t, ch.ReadyOps().Has(OpWrite))
	_, err = ch.FinishConnect()
	assert.Error(t, err)
}

func TestPlainChannelConnectEmptyAddr(t *testing.T) {
	ch := NewUnconnectedPlainChannel()
	defer ch.Close()
	assert.ErrorIs(t, ch.Connect(""), ErrInvalidAddress)
}

func TestPlainChannelCloseWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	ch := NewPlainChannel(dialed)
	defer ch.Close()
	peer := <-accepted
	defer peer.Close()

	msg := []byte("last words")
	_, err = ch.Write(msg)
	require.NoError(t, err)
	require.NoError(t, ch.CloseWrite())

	got, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, msg, got, "buffered data flushes before the half-close")

	_, err = ch.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrWriteShutdown)
}

// countingConn counts Close calls on an underlying pipe end.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func TestPlainChannelCloseIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	cc := &countingConn{Conn: a}
	ch := NewPlainChannel(cc)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, int32(1), cc.closes.Load(), "adopted transport closes exactly once")

	_, err := ch.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, Ops(0), ch.ReadyOps())
}

func TestPlainChannelOptions(t *testing.T) {
	ch := NewUnconnectedPlainChannel()
	defer ch.Close()

	_, err := ch.GetOption(OptionNoDelay)
	assert.ErrorIs(t, err, ErrOptionNotSupported)

	require.NoError(t, ch.SetOption(OptionNoDelay, 1))
	v, err := ch.GetOption(OptionNoDelay)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPlainChannelBackpressure(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ch := NewPlainChannel(a)
	defer ch.Close()

	// Nothing drains the peer end, so writes eventually stop being accepted
	// instead of blocking the caller.
	total := 0
	chunk := make([]byte, 16*1024)
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.False(t, time.Now().After(deadline), "writer should hit backpressure")
		n, err := ch.Write(chunk)
		total += n
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		require.NoError(t, err)
	}
	assert.Greater(t, total, 0)
	assert.False(t, ch.ReadyOps().Has(OpWrite), "full buffer must not report writable")
}
