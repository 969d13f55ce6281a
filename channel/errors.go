package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock indicates a non-blocking operation could make no progress.
	ErrWouldBlock = errors.New("operation would block")
	// ErrClosed indicates the channel has been closed.
	ErrClosed = errors.New("channel closed")
	// ErrNotConnected indicates the channel has no connected transport yet.
	ErrNotConnected = errors.New("channel not connected")
	// ErrAlreadyConnected indicates a connect was issued on a connected channel.
	ErrAlreadyConnected = errors.New("channel already connected")
	// ErrNoPendingConnect indicates FinishConnect was called without a
	// preceding Connect.
	ErrNoPendingConnect = errors.New("no connection attempt pending")
	// ErrWriteShutdown indicates the writing half has been shut down.
	ErrWriteShutdown = errors.New("write side already shut down")
	// ErrInvalidAddress indicates a required address was absent or malformed.
	ErrInvalidAddress = errors.New("invalid or missing address")
	// ErrSelectorClosed indicates an operation on a closed selector.
	ErrSelectorClosed = errors.New("selector closed")
	// ErrOptionNotSupported indicates the transport cannot honor the option.
	ErrOptionNotSupported = errors.New("socket option not supported")
)

// HandshakeError reports a failed security negotiation. It wraps the
// engine or transport error that interrupted the handshake so callers can
// distinguish trust failures from connection failures.
type HandshakeError struct {
	Op  string
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed during %s: %v", e.Op, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
