// Package pool is a registry of loaded plugins.
//
// A Pool loads each module file once, keyed by its canonical path, binds any
// number of descriptors against it and refuses to unload it while a binding is live.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZenLiuCN/dynlib"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config of a Pool.
type Config struct {
	Loader      dynlib.Loader   // dynlib.DefaultLoader when nil
	SearchPaths []string        // directories searched for logical names, before EnvSearchPath
	Logger      *zerolog.Logger // disabled when nil
}

// Pool maps plugin identifiers to loaded modules. It is safe for concurrent use.
type Pool struct {
	cfg    Config
	loader dynlib.Loader
	log    zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry // by canonical path
	ids     map[string]string // identifier to canonical path
	flight  singleflight.Group
}

// New create a new pool.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:     cfg,
		loader:  cfg.Loader,
		log:     zerolog.Nop(),
		entries: make(map[string]*entry),
		ids:     make(map[string]string),
	}
	if p.loader == nil {
		p.loader = dynlib.DefaultLoader()
	}
	if cfg.Logger != nil {
		p.log = *cfg.Logger
	}
	return p
}

var (
	global     *Pool
	globalOnce sync.Once
)

// Global is a process wide Pool with the default Config, for callers that want one shared registry.
func Global() *Pool {
	globalOnce.Do(func() { global = New(Config{}) })
	return global
}

// entry returns the entry of path, creating it Unloaded.
func (p *Pool) entry(path string) *entry {
	p.mu.RLock()
	e, ok := p.entries[path]
	p.mu.RUnlock()
	if ok {
		return e
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok = p.entries[path]; !ok {
		e = newEntry(path)
		p.entries[path] = e
	}
	return e
}

// find returns the entry an identifier is known by, or the one it resolves to.
func (p *Pool) find(id string) (*entry, bool) {
	p.mu.RLock()
	path, ok := p.ids[id]
	if ok {
		e, ok := p.entries[path]
		p.mu.RUnlock()
		return e, ok
	}
	p.mu.RUnlock()
	path, err := p.resolve(id)
	if err != nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[path]
	return e, ok
}

// drop forgets e. Caller holds e.mu.
func (p *Pool) drop(e *entry) {
	e.dropped = true
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[e.path] == e {
		delete(p.entries, e.path)
	}
	for id := range e.ids {
		if p.ids[id] == e.path {
			delete(p.ids, id)
		}
	}
}

// Load binds d against the module id names, opening the module unless it is loaded already.
//
// Concurrent loads of one module are coalesced into a single open: callers that
// waited for another's failing open get a ConcurrentLoadFailed RegistryError
// wrapping that same error. Load blocks while the module opens and can not be cancelled.
func (p *Pool) Load(id string, d dynlib.Descriptor) (*dynlib.Binding, error) {
	path, err := p.resolve(id)
	if err != nil {
		return nil, err
	}
	for {
		b, retry, err := p.load(p.entry(path), id, d)
		if !retry {
			return b, err
		}
	}
}

func (p *Pool) load(e *entry, id string, d dynlib.Descriptor) (b *dynlib.Binding, retry bool, err error) {
	e.mu.Lock()
	if e.dropped {
		e.mu.Unlock()
		return nil, true, nil
	}
	initiator := false
	switch e.state {
	case Loaded:
		defer e.mu.Unlock()
		e.waiting++
		b, err = p.bind(e, id, d)
		return b, false, err
	case Unloaded:
		e.state = Loading
		initiator = true
	default:
		p.log.Debug().Str("id", id).Str("path", e.path).Msg("waiting for concurrent load")
	}
	e.waiting++
	e.mu.Unlock()

	_, err, _ = p.flight.Do(e.key(), func() (any, error) { return nil, p.open(e) })

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.waiting--
		if !initiator {
			err = &RegistryError{Kind: ConcurrentLoadFailed, ID: id, Err: err}
		}
		return nil, false, err
	}
	if e.state != Loaded {
		e.waiting--
		return nil, true, nil
	}
	b, err = p.bind(e, id, d)
	return b, false, err
}

// open runs inside the flight of e and leaves it Loaded or dropped.
func (p *Pool) open(e *entry) error {
	e.mu.Lock()
	switch {
	case e.dropped:
		defer e.mu.Unlock()
		return e.err
	case e.state == Loaded:
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	m, err := dynlib.Open(p.loader, e.path, dynlib.WithLogger(p.log))

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.err = err
		e.state = Unloaded
		p.drop(e)
		return err
	}
	e.module = m
	e.state = Loaded
	return nil
}

// bind binds d on a Loaded entry for a caller counted in waiting. Caller holds e.mu.
func (p *Pool) bind(e *entry, id string, d dynlib.Descriptor) (*dynlib.Binding, error) {
	e.waiting--
	b, err := dynlib.Bind(e.module, d)
	if err != nil {
		if e.primary == nil && e.waiting == 0 && e.module.Refs() == 0 {
			// nobody ever bound this module, do not keep it loaded for a failed call
			if ok, _ := e.module.CloseIdle(); ok {
				e.state = Unloaded
				p.drop(e)
			}
		}
		return nil, err
	}
	e.ids[id] = struct{}{}
	if e.primary == nil {
		e.primary = &d
	}
	p.mu.Lock()
	p.ids[id] = e.path
	p.mu.Unlock()
	return b, nil
}

// LoadManifest loads the plugin a manifest file describes, d renamed after its members.
func (p *Pool) LoadManifest(path string, d dynlib.Descriptor) (*dynlib.Binding, error) {
	m, err := dynlib.ReadManifest(path)
	if err != nil {
		return nil, err
	}
	if d, err = m.Apply(d); err != nil {
		return nil, err
	}
	return p.Load(m.LibraryPath(), d)
}

// Lookup returns a new binding of a loaded plugin, made from the first descriptor it was loaded with.
// The caller owns the binding and must release it.
func (p *Pool) Lookup(id string) (*dynlib.Binding, error) {
	e, ok := p.find(id)
	if !ok {
		return nil, &RegistryError{Kind: NotFound, ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Loaded || e.primary == nil {
		return nil, &RegistryError{Kind: NotFound, ID: id}
	}
	return dynlib.Bind(e.module, *e.primary)
}

// Unload closes the module of id. It fails with InUse while any binding from it is
// live, the module is never pulled from under a caller.
func (p *Pool) Unload(id string) error {
	e, ok := p.find(id)
	if !ok {
		return &RegistryError{Kind: NotFound, ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Loaded:
	case Loading:
		return &RegistryError{Kind: InUse, ID: id}
	default:
		return &RegistryError{Kind: NotFound, ID: id}
	}
	e.state = UnloadRequested
	if e.waiting > 0 {
		e.state = Loaded
		return &RegistryError{Kind: InUse, ID: id}
	}
	closed, err := e.module.CloseIdle()
	if !closed {
		e.state = Loaded
		return &RegistryError{Kind: InUse, ID: id, Refs: e.module.Refs()}
	}
	e.state = Unloaded
	p.drop(e)
	p.log.Debug().Str("id", id).Str("path", e.path).Msg("plugin unloaded")
	if err != nil {
		return fmt.Errorf("unload %s: %w", id, err)
	}
	return nil
}

// Close unloads every plugin, reporting those still in use.
func (p *Pool) Close() error {
	p.mu.RLock()
	paths := make([]string, 0, len(p.entries))
	for path := range p.entries {
		paths = append(paths, path)
	}
	p.mu.RUnlock()
	var errs []error
	for _, path := range paths {
		if err := p.Unload(path); err != nil && !errors.Is(err, ErrNotLoaded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stat is a snapshot of one registry entry.
type Stat struct {
	Path     string
	IDs      []string
	State    State
	Refs     int
	LoadedAt time.Time
}

// Stats snapshots every entry.
func (p *Pool) Stats() []Stat {
	p.mu.RLock()
	es := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		es = append(es, e)
	}
	p.mu.RUnlock()
	v := make([]Stat, 0, len(es))
	for _, e := range es {
		v = append(v, e.stat())
	}
	return v
}
