package noiseprov

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// cipherSuite is the fixed suite for every channel this provider creates.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Context is the SecurityContext this provider understands. It carries the
// local static identity and, optionally, the peer static key to require.
//
// The peer host/port hints on a channel config are used for session logging
// only; they are never used for peer verification — only PeerStatic is.
type Context struct {
	// StaticKeypair is the local long-term identity. A zero value makes the
	// provider generate a fresh keypair at channel creation.
	StaticKeypair noise.DHKey

	// PeerStatic, when set, is the only peer identity accepted during the
	// handshake. Nil accepts any peer (the trust decision is deferred to the
	// caller, who can inspect the session after establishment).
	PeerStatic []byte
}

// GenerateKeypair creates a fresh Curve25519 static identity.
func GenerateKeypair() (noise.DHKey, error) {
	key, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("keypair generation failed: %w", err)
	}
	return key, nil
}

// FromSecretKey derives the full static identity from a 32-byte private key.
func FromSecretKey(priv [32]byte) (noise.DHKey, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("invalid private key: %w", err)
	}
	key := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(key.Private, priv[:])
	copy(key.Public, pub)
	return key, nil
}
