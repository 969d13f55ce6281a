// Package noiseprov is a concrete secure-channel provider built on the Noise
// XX handshake pattern (Curve25519, ChaCha20-Poly1305, SHA-256). Importing it
// registers the provider under the name "noise":
//
//	import _ "github.com/opd-ai/securemux/noiseprov"
//
// Both sides prove static keys during the handshake. A Context pins the
// expected peer key; without one, any peer is accepted and the application is
// responsible for authenticating the identity reported by the channel.
package noiseprov
