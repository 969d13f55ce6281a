package provider

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// registry holds the process-wide provider state: candidate factories in
// registration order and the write-once resolution result. Resolution runs at
// most once; concurrent callers block on the mutex and observe the cached
// outcome.
var registry = struct {
	mu        sync.Mutex
	order     []string
	factories map[string]Factory
	resolved  bool
	active    Provider
	activeErr error
	installed bool
}{
	factories: make(map[string]Factory),
}

// Register adds a provider factory under name. Concrete providers register
// themselves from an init function, so a blank import of the provider package
// is all a program needs — the Go analog of pluggable service discovery.
// Registering an existing name replaces its factory but keeps its discovery
// position.
func Register(name string, factory Factory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, dup := registry.factories[name]; !dup {
		registry.order = append(registry.order, name)
	}
	registry.factories[name] = factory
	logrus.WithField("provider", name).Debug("Provider factory registered")
}

// Deregister removes a provider factory. Intended for tests.
func Deregister(name string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.factories[name]; !ok {
		return
	}
	delete(registry.factories, name)
	for i, n := range registry.order {
		if n == name {
			registry.order = append(registry.order[:i], registry.order[i+1:]...)
			break
		}
	}
}

// Reset discards the cached resolution so the next Active call discovers
// again. Registered factories are kept. Intended for tests that inject fake
// providers; production code resolves once per process.
func Reset() {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.resolved = false
	registry.active = nil
	registry.activeErr = nil
	registry.installed = false
}

// Active returns the process-wide provider, resolving it on first use.
// Resolution order: the ProviderEnv override if set (fatal on failure, no
// fallback), then registered factories in registration order (skipping only
// access-restricted candidates), then the built-in stub whose every creation
// operation fails with ErrNotImplemented. Discovery itself never fails to
// yield a provider; only an explicit override can make Active return an
// error, and that error is cached.
func Active() (Provider, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if !registry.resolved {
		resolveLocked()
	}
	return registry.active, registry.activeErr
}

// Installed reports whether a real provider (not the stub) backs creation
// operations.
func Installed() bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if !registry.resolved {
		resolveLocked()
	}
	return registry.installed
}

func resolveLocked() {
	registry.resolved = true

	if name := os.Getenv(ProviderEnv); name != "" {
		factory, ok := registry.factories[name]
		if !ok {
			registry.activeErr = &ConfigError{
				Name: name,
				Err:  fmt.Errorf("no provider registered under this name"),
			}
			logrus.WithFields(logrus.Fields{
				"provider": name,
				"env_var":  ProviderEnv,
			}).Error("Configured provider override is not registered")
			return
		}
		p, err := factory()
		if err != nil {
			registry.activeErr = &ConfigError{Name: name, Err: err}
			logrus.WithFields(logrus.Fields{
				"provider": name,
				"env_var":  ProviderEnv,
			}).WithError(err).Error("Configured provider override failed to initialize")
			return
		}
		registry.active = p
		registry.installed = true
		logrus.WithField("provider", name).Info("Provider resolved from override")
		return
	}

	for _, name := range registry.order {
		p, err := registry.factories[name]()
		if err != nil {
			if errors.Is(err, ErrAccessRestricted) {
				logrus.WithField("provider", name).
					WithError(err).Warn("Skipping access-restricted provider candidate")
				continue
			}
			registry.activeErr = fmt.Errorf("provider %q failed to initialize: %w", name, err)
			logrus.WithField("provider", name).
				WithError(err).Error("Provider discovery aborted")
			return
		}
		registry.active = p
		registry.installed = true
		logrus.WithField("provider", name).Info("Provider resolved from discovery")
		return
	}

	registry.active = stubProvider{}
	registry.installed = false
	logrus.Info("No concrete provider registered, using stub")
}
