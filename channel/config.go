package channel

import "net"

// Config is the immutable bundle of optional parameters used when a secure
// channel is created. The zero value requests a client-role channel with the
// provider's default security settings.
type Config struct {
	// Context is provider-specific key and trust material. Nil selects the
	// provider's defaults.
	Context SecurityContext

	// PeerHost and PeerPort are hints used only for session-cache keying and
	// certain cipher suites. They are never used for hostname verification by
	// this layer.
	PeerHost string
	PeerPort int

	// ServerMode selects the server handshake role. The zero value is client
	// role.
	ServerMode bool

	// TaskRunner executes the engine's background computations. It is shared,
	// not owned: the channel never shuts it down. Nil selects GoRunner.
	TaskRunner Runner

	// Adopted is a pre-existing transport connection to layer security atop.
	// Ownership transfers to the secure channel: the caller must not use it
	// again, and it is closed exactly once when the secure channel closes.
	Adopted net.Conn
}
