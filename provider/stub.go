package provider

import (
	"fmt"

	"github.com/opd-ai/securemux/channel"
)

// stubProvider is the built-in fallback when no concrete provider is
// registered. Discovery always yields at least this, so resolution itself
// never fails; every creation operation does, with an error distinguishing
// "no provider installed" from any other failure.
type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) OpenChannel(channel.Config) (*channel.SecureChannel, error) {
	return nil, fmt.Errorf("openChannel: %w; import a concrete provider such as noiseprov", ErrNotImplemented)
}

func (stubProvider) OpenListener(ListenerConfig) (*channel.SecureListener, error) {
	return nil, fmt.Errorf("openListener: %w; import a concrete provider such as noiseprov", ErrNotImplemented)
}

func (stubProvider) OpenSelector() (*channel.Selector, error) {
	return nil, fmt.Errorf("openSelector: %w; import a concrete provider such as noiseprov", ErrNotImplemented)
}
