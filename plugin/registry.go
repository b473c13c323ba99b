package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNilFactory        = errors.New("plugin: factory is required")
	ErrPluginLoad        = errors.New("plugin: load failed")
	ErrAlreadyRegistered = errors.New("plugin: already registered")
)

// Entry is a registered plugin: its metadata plus the factory that builds instances.
type Entry struct {
	Info    Info
	factory Factory
}

// New builds a fresh instance. A panicking factory is reported as ErrPluginLoad.
func (e Entry) New() (p Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("%w: %s: %v", ErrPluginLoad, e.Info.ID, rec)
		}
	}()
	p = e.factory()
	if p == nil {
		return nil, fmt.Errorf("%w: %s: factory returned nil", ErrPluginLoad, e.Info.ID)
	}
	return p, nil
}

// Registry indexes plugins by id. It is populated once at start-up and only
// read afterwards; build one per process (or per test) and inject it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report skipped plugins.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]Entry),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register instantiates factory once to read its Info and indexes it by id.
func (r *Registry) Register(factory Factory) error {
	if factory == nil {
		return ErrNilFactory
	}
	info, err := probe(factory)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, info.ID)
	}
	r.entries[info.ID] = Entry{Info: info, factory: factory}
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(factory Factory) {
	if err := r.Register(factory); err != nil {
		panic(err)
	}
}

// Load registers every factory, logging and skipping the ones that fail so a
// single broken plugin never aborts start-up. It returns how many were loaded.
func (r *Registry) Load(factories ...Factory) int {
	loaded := 0
	for i, factory := range factories {
		if err := r.Register(factory); err != nil {
			r.logger.Error("skipping plugin", zap.Int("index", i), zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded
}

// Get looks a plugin up by id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the metadata of every registered plugin, sorted by id.
func (r *Registry) List() []Info {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, r.entries[id].Info)
	}
	return infos
}

func probe(factory Factory) (info Info, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPluginLoad, rec)
		}
	}()
	p := factory()
	if p == nil {
		return Info{}, fmt.Errorf("%w: factory returned nil", ErrPluginLoad)
	}
	info = p.Info()
	if err := info.Validate(); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}
	return info, nil
}
