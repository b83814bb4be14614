package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/telemetry/invariants"
)

// ErrNotRegistered reports a lookup of an unknown provider name.
var ErrNotRegistered = errors.New("provider not registered")

// DefaultPriority is the order in which providers are preferred when no
// default is configured.
var DefaultPriority = []string{"claude", "codex", "cursor"}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithActiveStore replaces the in-process active-count store.
func WithActiveStore(store ActiveStore) Option {
	return func(r *Registry) {
		if store != nil {
			r.active = store
		}
	}
}

// WithDefault names the preferred provider. It only wins when registered.
func WithDefault(name string) Option {
	return func(r *Registry) {
		r.preferred = normalizeName(name)
	}
}

// Registry maps provider names to providers and tracks which providers have
// runs in flight.
type Registry struct {
	logger    *log.Logger
	active    ActiveStore
	preferred string

	mu        sync.RWMutex
	providers map[string]harness.Provider
	order     []string

	nameLocks sync.Map
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:    log.New(io.Discard),
		active:    NewMemoryStore(),
		providers: map[string]harness.Provider{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds provider, replacing any provider with the same name.
func (r *Registry) Register(provider harness.Provider) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	if provider == nil {
		return errors.New("provider is required")
	}
	name := normalizeName(provider.Descriptor().Name)
	if name == "" {
		return errors.New("provider name is required")
	}

	r.mu.Lock()
	_, replaced := r.providers[name]
	r.providers[name] = provider
	if !replaced {
		r.order = append(r.order, name)
	}
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("provider replaced", "provider", name)
	} else {
		r.logger.Debug("provider registered", "provider", name)
	}
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (harness.Provider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[normalizeName(name)]
	return provider, ok
}

// Lookup is Get with an error wrapping ErrNotRegistered.
func (r *Registry) Lookup(name string) (harness.Provider, error) {
	provider, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return provider, nil
}

// ListAll returns every registered descriptor sorted by name.
func (r *Registry) ListAll() []harness.Descriptor {
	providers := r.snapshot()
	out := make([]harness.Descriptor, 0, len(providers))
	for _, provider := range providers {
		out = append(out, provider.Descriptor())
	}
	return out
}

// ListAvailable probes every provider concurrently. A probe that panics or
// does not finish before ctx is done is reported unavailable; the call itself
// never fails. Results are sorted by name.
func (r *Registry) ListAvailable(ctx context.Context) []harness.Availability {
	if ctx == nil {
		ctx = context.Background()
	}
	providers := r.snapshot()
	slots := make([]chan harness.Availability, len(providers))
	for i, provider := range providers {
		slots[i] = make(chan harness.Availability, 1)
		go func(provider harness.Provider, out chan<- harness.Availability) {
			out <- r.probe(provider)
		}(provider, slots[i])
	}

	results := make([]harness.Availability, len(providers))
	for i, provider := range providers {
		select {
		case availability := <-slots[i]:
			results[i] = availability
		case <-ctx.Done():
			desc := provider.Descriptor()
			results[i] = harness.Availability{
				Name:         desc.Name,
				DisplayName:  desc.DisplayName,
				Capabilities: desc.Capabilities,
				Error:        fmt.Sprintf("availability probe: %v", ctx.Err()),
			}
		}
	}
	return results
}

func (r *Registry) probe(provider harness.Provider) (availability harness.Availability) {
	desc := provider.Descriptor()
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("availability probe panicked", "provider", desc.Name, "panic", recovered)
			availability = harness.Availability{
				Name:         desc.Name,
				DisplayName:  desc.DisplayName,
				Capabilities: desc.Capabilities,
				Error:        fmt.Sprintf("availability probe panicked: %v", recovered),
			}
		}
	}()
	return provider.CheckAvailability()
}

// Info returns provider metadata.
func (r *Registry) Info(name string) (harness.Info, error) {
	provider, err := r.Lookup(name)
	if err != nil {
		return harness.Info{}, err
	}
	return provider.Info(), nil
}

// DefaultProvider picks the configured default when it is registered, then
// the first registered name in DefaultPriority, then the first provider
// registered.
func (r *Registry) DefaultProvider() (harness.Provider, error) {
	if r == nil {
		return nil, errors.New("registry is nil")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if provider, ok := r.providers[r.preferred]; ok {
		return provider, nil
	}
	for _, name := range DefaultPriority {
		if provider, ok := r.providers[name]; ok {
			return provider, nil
		}
	}
	if len(r.order) > 0 {
		return r.providers[r.order[0]], nil
	}
	return nil, fmt.Errorf("%w: no providers registered", ErrNotRegistered)
}

// MarkActive records one in-flight run for name. The returned lease must be
// released when the run settles.
func (r *Registry) MarkActive(name string) (*Lease, error) {
	name = normalizeName(name)
	if _, ok := r.Get(name); !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	unlock := r.lockName(name)
	count := r.active.Add(name, 1)
	unlock()
	r.logger.Debug("provider active", "provider", name, "runs", count)

	return &Lease{
		name: name,
		release: func() {
			unlock := r.lockName(name)
			invariants.CheckRelease(context.Background(), "registry.lease.release", name, r.active.Count(name))
			remaining := r.active.Add(name, -1)
			unlock()
			r.logger.Debug("provider lease released", "provider", name, "runs", remaining)
		},
	}, nil
}

// MarkInactive clears name's active count regardless of outstanding leases.
// Releasing those leases afterwards is harmless.
func (r *Registry) MarkInactive(name string) {
	if r == nil {
		return
	}
	name = normalizeName(name)
	unlock := r.lockName(name)
	r.active.Clear(name)
	unlock()
}

// IsActive reports whether name has a run in flight.
func (r *Registry) IsActive(name string) bool {
	return r.ActiveCount(name) > 0
}

// ActiveCount returns the number of runs in flight for name.
func (r *Registry) ActiveCount(name string) int {
	if r == nil {
		return 0
	}
	return r.active.Count(normalizeName(name))
}

func (r *Registry) lockName(name string) func() {
	value, _ := r.nameLocks.LoadOrStore(name, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Registry) snapshot() []harness.Provider {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]harness.Provider, 0, len(names))
	for _, name := range names {
		out = append(out, r.providers[name])
	}
	r.mu.RUnlock()
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
