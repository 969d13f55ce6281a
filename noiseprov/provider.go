package noiseprov

import (
	"fmt"
	"net"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securemux/channel"
	"github.com/opd-ai/securemux/provider"
)

// ProviderName is the name this provider registers under, and the value to
// put in SECUREMUX_PROVIDER to force its selection.
const ProviderName = "noise"

func init() {
	provider.Register(ProviderName, func() (provider.Provider, error) {
		return New()
	})
}

// Provider creates Noise-secured channels, listeners, and selectors. All
// channels opened through one Provider share its task runner unless the
// caller supplies their own.
type Provider struct {
	tasks *channel.WorkerPool
}

var _ provider.Provider = (*Provider)(nil)

// New returns a ready Provider with a worker pool sized to the machine.
func New() (*Provider, error) {
	p := &Provider{
		tasks: channel.NewWorkerPool(runtime.NumCPU()),
	}
	logrus.WithFields(logrus.Fields{
		"provider": ProviderName,
		"workers":  runtime.NumCPU(),
	}).Debug("Noise provider initialized")
	return p, nil
}

func (p *Provider) Name() string { return ProviderName }

// contextFor normalizes the security context. Nil means an ephemeral identity
// with no peer pinning.
func contextFor(sc channel.SecurityContext) (*Context, error) {
	switch c := sc.(type) {
	case nil:
		kp, err := GenerateKeypair()
		if err != nil {
			return nil, err
		}
		return &Context{StaticKeypair: kp}, nil
	case *Context:
		return c, nil
	case Context:
		return &c, nil
	default:
		return nil, fmt.Errorf("unsupported security context type %T", sc)
	}
}

// OpenChannel builds a secure channel from the configuration. When the
// configuration adopts an existing connection, the channel owns it from this
// point on; otherwise the channel starts unconnected and the caller drives
// Connect.
func (p *Provider) OpenChannel(cfg channel.Config) (*channel.SecureChannel, error) {
	ctx, err := contextFor(cfg.Context)
	if err != nil {
		return nil, err
	}
	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.TaskRunner == nil {
		cfg.TaskRunner = p.tasks
	}
	return channel.NewSecureChannel(eng, cfg)
}

// OpenListener wraps a listening socket so accepted connections come up as
// secure channels in server role. With no inner listener supplied, a TCP
// listener is created on the configured address.
func (p *Provider) OpenListener(cfg provider.ListenerConfig) (*channel.SecureListener, error) {
	ctx, err := contextFor(cfg.Context)
	if err != nil {
		return nil, err
	}

	inner := cfg.Inner
	if inner == nil {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("listener needs an address or an inner listener: %w", channel.ErrInvalidAddress)
		}
		inner, err = net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}
	}

	tasks := cfg.TaskRunner
	if tasks == nil {
		tasks = p.tasks
	}
	factory := func(chCfg channel.Config) (channel.Engine, error) {
		return newEngine(ctx, chCfg)
	}
	return channel.NewSecureListener(inner, factory, ctx, cfg.AcceptRunner, tasks)
}

// OpenSelector returns a fresh selector. Selectors are provider-independent
// but opened through the provider so callers stay on one bootstrap path.
func (p *Provider) OpenSelector() (*channel.Selector, error) {
	return channel.NewSelector(), nil
}
