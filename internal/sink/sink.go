// Package sink defines where decoded RoCEv2 packets are written and keeps
// the registry of sink implementations.
package sink

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/gopacket/layers"

	"firestige.xyz/rxe/internal/core"
)

// Sink consumes decoded packets. Write is called from a single goroutine.
type Sink interface {
	Name() string
	Write(pkt *core.DecodedPacket) error
	Close() error
}

// Env carries source properties some sinks need at construction.
type Env struct {
	LinkType layers.LinkType
}

// Factory builds a sink from its config options.
type Factory func(opts map[string]any, env Env) (Sink, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a sink available under name. Registering a name twice
// replaces the earlier factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// New builds the sink registered under name.
func New(name string, opts map[string]any, env Env) (Sink, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", core.ErrSinkNotFound, name, strings.Join(Names(), ", "))
	}
	s, err := f(opts, env)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", name, err)
	}
	return s, nil
}

// Names lists the registered sinks in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
