package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build when no builder is registered for
// the configured PubSubSystem.
var ErrUnknownTransport = errors.New("unknown transport")

type registration struct {
	builder      Builder
	capabilities Capabilities
	hasCaps      bool
}

// Registry maps PubSubSystem names to transport builders and the capabilities
// the relay and consumer rely on. Names are case-insensitive.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is populated by the transport sub-packages' init functions.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register installs builder under name, keeping previously registered
// capabilities.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizeName(name)
	entry := r.entries[key]
	entry.builder = builder
	r.entries[key] = entry
}

// RegisterWithCapabilities installs builder and caps under name.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeName(name)] = registration{builder: builder, capabilities: caps, hasCaps: true}
}

// Lookup returns the builder and capabilities registered under name.
func (r *Registry) Lookup(name string) (Builder, Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[normalizeName(name)]
	if !ok || entry.builder == nil {
		return nil, Capabilities{Name: name}, false
	}
	caps := entry.capabilities
	if !entry.hasCaps {
		caps = Capabilities{Name: name}
	}
	return entry.builder, caps, true
}

// GetCapabilities returns the capabilities for name, or a zero Capabilities
// carrying only the name when none were registered.
func (r *Registry) GetCapabilities(name string) Capabilities {
	_, caps, _ := r.Lookup(name)
	return caps
}

// Build creates the transport selected by cfg.GetPubSubSystem. Both a
// publisher and a subscriber are required since the service relays and
// consumes through the same broker.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	name := cfg.GetPubSubSystem()
	builder, _, ok := r.Lookup(name)
	if !ok {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}

	t, err := builder(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("transport %q: %w", name, err)
	}
	if t.Publisher == nil || t.Subscriber == nil {
		return Transport{}, fmt.Errorf("transport %q returned no publisher or subscriber", name)
	}
	return t, nil
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name, entry := range r.entries {
		if entry.builder != nil {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, _, ok := r.Lookup(name)
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default
// registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
