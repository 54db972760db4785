package pool

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ZenLiuCN/dynlib"
	"github.com/ZenLiuCN/fn"
)

// State of a registry entry.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	UnloadRequested
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case UnloadRequested:
		return "unload requested"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// entry is one module file of the pool.
type entry struct {
	mu      sync.Mutex
	path    string
	state   State
	module  *dynlib.Module
	primary *dynlib.Descriptor // first descriptor bound, used by Lookup
	ids     map[string]struct{}
	waiting int   // callers between Load and their bind
	err     error // why the open failed
	dropped bool  // no longer in the pool, callers must retry on a fresh entry
}

func newEntry(path string) *entry {
	return &entry{path: path, ids: make(map[string]struct{})}
}

// key of the load flight, unique per entry so a dropped entry never joins the open of its successor.
func (e *entry) key() string {
	return fmt.Sprintf("%s\x00%p", e.path, e)
}

func (e *entry) stat() Stat {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stat{Path: e.path, State: e.state, IDs: fn.MapKeys(e.ids)}
	slices.Sort(s.IDs)
	if e.module != nil && e.state != Unloaded {
		s.Refs = e.module.Refs()
		s.LoadedAt = e.module.LoadedAt()
	}
	return s
}
