// Package securemux opens secure, multiplexable byte-stream channels through
// a pluggable provider. Importing a concrete provider package registers it;
// the first open resolves which provider serves the process:
//
//	import (
//	    "github.com/opd-ai/securemux"
//	    _ "github.com/opd-ai/securemux/noiseprov"
//	)
//
//	ch, err := securemux.OpenChannelAddr(ctx, "example.com:7433")
//
// The SECUREMUX_PROVIDER environment variable forces a provider by name;
// naming one that is not registered is a configuration error with no
// fallback. With no override, providers are tried in registration order and
// the first that initializes wins. When nothing usable is registered, opens
// fail with provider.ErrNotImplemented.
package securemux

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/opd-ai/securemux/channel"
	"github.com/opd-ai/securemux/provider"
)

// OpenChannel returns an unconnected secure channel using the active
// provider's defaults. Callers connect it with Connect or WaitConnect.
func OpenChannel() (*channel.SecureChannel, error) {
	p, err := provider.Active()
	if err != nil {
		return nil, err
	}
	return p.OpenChannel(channel.Config{})
}

// OpenChannelAddr opens a secure channel to addr (host:port) and waits for
// the transport connection under ctx. The host and port are recorded as
// session hints; they are not verified against the peer's identity. The
// security handshake proceeds afterwards, driven by I/O or a selector.
func OpenChannelAddr(ctx context.Context, addr string) (*channel.SecureChannel, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty address: %w", channel.ErrInvalidAddress)
	}
	cfg := channel.Config{Context: nil}
	if host, portStr, err := net.SplitHostPort(addr); err == nil {
		cfg.PeerHost = host
		if port, perr := strconv.Atoi(portStr); perr == nil {
			cfg.PeerPort = port
		}
	}

	ch, err := OpenChannelConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := ch.Connect(addr); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.WaitConnect(ctx); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// OpenChannelConfig opens a secure channel with explicit creation options.
func OpenChannelConfig(cfg channel.Config) (*channel.SecureChannel, error) {
	p, err := provider.Active()
	if err != nil {
		return nil, err
	}
	return p.OpenChannel(cfg)
}

// OpenListener starts a secure listener on addr with provider defaults.
func OpenListener(addr string) (*channel.SecureListener, error) {
	return OpenListenerConfig(provider.ListenerConfig{Addr: addr})
}

// OpenListenerConfig starts a secure listener with explicit options.
func OpenListenerConfig(cfg provider.ListenerConfig) (*channel.SecureListener, error) {
	p, err := provider.Active()
	if err != nil {
		return nil, err
	}
	return p.OpenListener(cfg)
}

// OpenSelector returns a readiness multiplexer from the active provider.
func OpenSelector() (*channel.Selector, error) {
	p, err := provider.Active()
	if err != nil {
		return nil, err
	}
	return p.OpenSelector()
}

// ProviderInstalled reports whether a concrete (non-stub) provider would
// serve opens, resolving the active provider if needed.
func ProviderInstalled() bool {
	return provider.Installed()
}
