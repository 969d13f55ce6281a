// Package provider discovers, validates, and caches the concrete security
// provider backing all secure channel creation. Exactly one provider is
// resolved per process; when none is registered every creation operation
// fails with a distinguishable not-implemented error rather than returning a
// partially-functional object.
package provider

import (
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/securemux/channel"
)

// ProviderEnv names the environment variable that, when set, selects the
// provider to load explicitly. It is read once, at first discovery; a
// failure to honor it is fatal and never falls back to automatic discovery.
const ProviderEnv = "SECUREMUX_PROVIDER"

var (
	// ErrNotImplemented indicates no concrete provider is available. Every
	// creation call on the built-in stub wraps this error.
	ErrNotImplemented = errors.New("secure channel provider not implemented")

	// ErrAccessRestricted marks a factory failure caused by an access or
	// security restriction. During automatic discovery such candidates are
	// skipped; any other failure propagates.
	ErrAccessRestricted = errors.New("provider access restricted")
)

// ConfigError reports that an explicitly configured provider override could
// not be honored. It is fatal: no fallback to discovery or the stub is
// attempted.
type ConfigError struct {
	Name string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %q configuration error: %v", e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ListenerConfig bundles the parameters for creating a secure listener.
// There is no peer host/port hint: it is meaningless for a listener.
type ListenerConfig struct {
	// Context is provider-specific key and trust material shared by every
	// channel accepted from this listener. Nil selects provider defaults.
	Context channel.SecurityContext

	// Addr is the address to listen on. Required unless Inner is supplied.
	Addr string

	// Inner is an optional pre-existing transport listener to adopt.
	Inner net.Listener

	// AcceptRunner dispatches newly accepted connections so slow handshakes
	// cannot stall subsequent accepts. Nil selects per-connection goroutines.
	AcceptRunner channel.Runner

	// TaskRunner carries cryptographic background tasks for all channels
	// spawned from this listener. Nil selects the provider-wide shared pool.
	TaskRunner channel.Runner
}

// Factory constructs a provider instance. Factories whose failure is an
// access restriction should return an error wrapping ErrAccessRestricted so
// discovery can skip them.
type Factory func() (Provider, error)

// Provider is the creation contract every concrete implementation satisfies.
// A minimal or no-op provider must fail each unimplemented method with an
// error wrapping ErrNotImplemented, never return nil or a partial object.
type Provider interface {
	// Name identifies the provider in the registry.
	Name() string

	// OpenChannel creates a secure client channel from cfg. The returned
	// channel is never implicitly connected; callers issue Connect
	// afterwards unless cfg.Adopted supplied a connected transport.
	OpenChannel(cfg channel.Config) (*channel.SecureChannel, error)

	// OpenListener creates a secure listening channel.
	OpenListener(cfg ListenerConfig) (*channel.SecureListener, error)

	// OpenSelector creates a readiness multiplexer able to register both
	// secure and plain channels.
	OpenSelector() (*channel.Selector, error)
}
