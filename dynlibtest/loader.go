// Package dynlibtest provides an in-memory Loader for tests of code built on dynlib.
//
// Functions of a fake module are real Go func values and its variables real Go
// memory, so bound values can be called and read like those of a native module.
package dynlibtest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/ZenLiuCN/dynlib"
)

// Module is the exported surface of one fake module.
type Module struct {
	Funcs    map[string]any // exported functions
	Data     map[string]any // exported variables, each a non nil pointer
	OpenErr  error          // returned by Open instead of a library
	CloseErr error          // returned by Close
}

// Loader is a dynlib.Loader serving fake modules by path. It is safe for concurrent use.
type Loader struct {
	Delay time.Duration // sleep inside every Open, to force overlapping loads

	mu      sync.Mutex
	modules map[string]*Module
	opens   map[string]int
	closes  map[string]int
	lookups map[string][]string
}

func NewLoader() *Loader {
	return &Loader{
		modules: make(map[string]*Module),
		opens:   make(map[string]int),
		closes:  make(map[string]int),
		lookups: make(map[string][]string),
	}
}

// Add serves m at path exactly as given to Open.
func (l *Loader) Add(path string, m Module) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[path] = &m
}

// Install writes an empty file name into dir and serves m at its canonical path, which is returned.
func (l *Loader) Install(t testing.TB, dir, name string, m Module) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := dynlib.Canonical(p)
	if err != nil {
		t.Fatal(err)
	}
	l.Add(c, m)
	return c
}

// Opens counts Open calls for path, failed ones included.
func (l *Loader) Opens(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens[path]
}

// Closes counts Close calls on libraries of path.
func (l *Loader) Closes(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes[path]
}

// Lookups lists every symbol name looked up in path, in order.
func (l *Loader) Lookups(path string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.lookups[path])
}

func (l *Loader) Open(path string) (dynlib.Library, error) {
	l.mu.Lock()
	l.opens[path]++
	m, ok := l.modules[path]
	l.mu.Unlock()
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}
	if !ok {
		return nil, &dynlib.LoadError{Kind: dynlib.NotFound, Path: path, Err: os.ErrNotExist}
	}
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	lib := &library{
		loader: l,
		path:   path,
		mod:    m,
		addrs:  make(map[string]uintptr, len(m.Funcs)+len(m.Data)),
		funcs:  make(map[uintptr]reflect.Value, len(m.Funcs)),
	}
	for name, f := range m.Funcs {
		v := reflect.ValueOf(f)
		if v.Kind() != reflect.Func {
			return nil, fmt.Errorf("fake %s: %s is %T, not a func", path, name, f)
		}
		// a private byte gives every function a unique address
		cell := new(byte)
		lib.cells = append(lib.cells, cell)
		addr := uintptr(unsafe.Pointer(cell))
		lib.addrs[name] = addr
		lib.funcs[addr] = v
	}
	for name, d := range m.Data {
		v := reflect.ValueOf(d)
		if v.Kind() != reflect.Pointer || v.IsNil() {
			return nil, fmt.Errorf("fake %s: %s is %T, not a pointer", path, name, d)
		}
		lib.addrs[name] = v.Pointer()
	}
	return lib, nil
}

type library struct {
	loader *Loader
	path   string
	mod    *Module
	addrs  map[string]uintptr
	funcs  map[uintptr]reflect.Value
	cells  []*byte
	mu     sync.Mutex
	closed bool
}

func (s *library) Lookup(name string) (uintptr, error) {
	s.loader.mu.Lock()
	s.loader.lookups[s.path] = append(s.loader.lookups[s.path], name)
	s.loader.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, &dynlib.SymbolError{Name: name, Kind: dynlib.SymbolNotFound, Err: dynlib.ErrClosed}
	}
	p, ok := s.addrs[name]
	if !ok {
		return 0, &dynlib.SymbolError{Name: name, Kind: dynlib.SymbolNotFound}
	}
	return p, nil
}

func (s *library) Register(fptr any, addr uintptr) error {
	target := reflect.ValueOf(fptr)
	if target.Kind() != reflect.Pointer || target.Elem().Kind() != reflect.Func {
		return &dynlib.SymbolError{Kind: dynlib.SignatureMismatch, Err: errors.New("want pointer to func")}
	}
	f, ok := s.funcs[addr]
	if !ok {
		return &dynlib.SymbolError{Kind: dynlib.SignatureMismatch, Err: errors.New("not a function")}
	}
	if f.Type() != target.Elem().Type() {
		return &dynlib.SymbolError{Kind: dynlib.SignatureMismatch, Err: fmt.Errorf("exported as %s, registered as %s", f.Type(), target.Elem().Type())}
	}
	target.Elem().Set(f)
	return nil
}

func (s *library) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.loader.mu.Lock()
	s.loader.closes[s.path]++
	s.loader.mu.Unlock()
	return s.mod.CloseErr
}

// VersionData is a version variable in the layout Bind reads.
func VersionData(v dynlib.Version) *[3]int32 {
	return &[3]int32{int32(v.Major), int32(v.Minor), int32(v.Patch)}
}

// CString is a NUL terminated copy of s, as a module would export a string.
func CString(s string) *byte {
	b := append([]byte(s), 0)
	return &b[0]
}
