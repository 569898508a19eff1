// Package hypervisor provides the virtualization backends. Backends register
// themselves by identifier and are selected from configuration at startup,
// so the engine stays agnostic to the concrete technology behind the
// domain.Hypervisor interface.
package hypervisor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

// Config is the backend-independent slice of configuration a factory gets.
type Config struct {
	URI          string // connection string, backend-specific
	DefaultImage string // boot image used when a VM spec does not name one
	Log          *logrus.Logger
}

// Factory builds a backend from its configuration.
type Factory func(cfg Config) (domain.Hypervisor, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds a backend factory. Called from init() in backend files.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// New builds the backend registered under name.
func New(name string, cfg Config) (domain.Hypervisor, error) {
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown hypervisor backend %q (have %v): %w", name, Backends(), domain.ErrValidation)
	}
	return f(cfg)
}

// Backends lists the registered backend identifiers.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
