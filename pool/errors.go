package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrInUse occurs when unloading a plugin that still has live bindings.
	ErrInUse = errors.New("plugin in use")
	// ErrNotLoaded occurs when looking up or unloading a plugin that is not loaded.
	ErrNotLoaded = errors.New("plugin not loaded")
	// ErrConcurrentLoad occurs when a load this call waited for failed.
	ErrConcurrentLoad = errors.New("concurrent load failed")
)

// ErrorKind classifies a RegistryError.
type ErrorKind int

const (
	InUse ErrorKind = iota + 1
	NotFound
	ConcurrentLoadFailed
)

func (k ErrorKind) String() string {
	switch k {
	case InUse:
		return "in use"
	case NotFound:
		return "not loaded"
	case ConcurrentLoadFailed:
		return "concurrent load failed"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// RegistryError is a failure of the Pool itself, as opposed to loading or binding errors.
type RegistryError struct {
	Kind ErrorKind
	ID   string
	Refs int   // live bindings, for InUse
	Err  error // the shared failure, for ConcurrentLoadFailed
}

func (e *RegistryError) Error() string {
	s := fmt.Sprintf("plugin %s: %s", e.ID, e.Kind)
	if e.Kind == InUse {
		s += fmt.Sprintf(" by %d bindings", e.Refs)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *RegistryError) Unwrap() error { return e.Err }

func (e *RegistryError) Is(target error) bool {
	switch e.Kind {
	case InUse:
		return target == ErrInUse
	case NotFound:
		return target == ErrNotLoaded
	case ConcurrentLoadFailed:
		return target == ErrConcurrentLoad
	}
	return false
}
