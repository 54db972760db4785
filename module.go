package dynlib

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Module owns one opened Library.
//
// A Module has two kinds of owners: the pin taken by Open and dropped by Close,
// and one reference per live Binding. The Library is closed exactly once, when
// the pin is gone and the last reference is released, whichever happens last.
type Module struct {
	mu       sync.Mutex
	lib      Library
	path     string
	loadedAt time.Time
	refs     int
	pinned   bool
	closed   bool
	closeErr error
	log      zerolog.Logger
}

// Option configures Open.
type Option func(*Module)

// WithLogger sets the logger of a Module and every Binding made from it.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Module) { m.log = l }
}

// Open opens path with loader and returns a pinned Module.
//
// The module's static initializers run during this call. Open blocks for as long
// as the platform loader does and can not be cancelled.
func Open(loader Loader, path string, opts ...Option) (*Module, error) {
	m := &Module{path: path, pinned: true, log: zerolog.Nop()}
	for _, o := range opts {
		o(m)
	}
	lib, err := loader.Open(path)
	if err != nil {
		m.log.Debug().Err(err).Str("path", path).Msg("open module failed")
		return nil, err
	}
	m.lib = lib
	m.loadedAt = time.Now()
	m.log.Debug().Str("path", path).Msg("module opened")
	return m, nil
}

// Path of the module as given to Open.
func (m *Module) Path() string { return m.path }

// LoadedAt is when Open returned.
func (m *Module) LoadedAt() time.Time { return m.loadedAt }

// Refs is the number of live references, one per live Binding.
func (m *Module) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Closed reports whether the Library was released.
func (m *Module) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Acquire takes a reference. It fails with ErrClosed once the module is gone.
func (m *Module) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.refs++
	return nil
}

// Release returns a reference taken by Acquire, closing the module when it was the last owner.
func (m *Module) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 {
		return nil
	}
	m.refs--
	return m.settle()
}

// Close drops the pin. The Library is released now if no reference is live,
// otherwise by the last Release. Close is idempotent.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pinned {
		return m.closeErr
	}
	m.pinned = false
	return m.settle()
}

// settle closes the library when no owner is left. Caller holds mu.
func (m *Module) settle() error {
	if m.closed || m.pinned || m.refs > 0 {
		return nil
	}
	m.closed = true
	m.closeErr = m.lib.Close()
	m.log.Debug().Err(m.closeErr).Str("path", m.path).Msg("module closed")
	return m.closeErr
}

func (m *Module) library() Library { return m.lib }

// CloseIdle drops the pin only when no reference is live, reporting whether it did.
func (m *Module) CloseIdle() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs > 0 {
		return false, nil
	}
	if !m.pinned {
		return true, m.closeErr
	}
	m.pinned = false
	return true, m.settle()
}
