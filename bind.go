package dynlib

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
)

var (
	// ErrMissingSymbols occurs when a module lacks required symbols of a descriptor.
	ErrMissingSymbols = errors.New("missing required symbols")
	// ErrIncompatibleVersion occurs when a module's version is below the descriptor minimum.
	ErrIncompatibleVersion = errors.New("incompatible version")
	// ErrReleased occurs when using a Binding after Release.
	ErrReleased = errors.New("binding released")
)

// VersionDelta is the version a module has against the one a descriptor wants.
type VersionDelta struct {
	Have, Want Version
}

// BindError is a failed Bind. It lists every problem found in one pass.
type BindError struct {
	API        string
	Path       string
	Missing    []string      // required exports absent, in descriptor order
	Mismatched []string      // exports whose signature does not match
	Version    *VersionDelta // set when the module is too old
	Err        error
}

func (e *BindError) Error() string {
	s := strings.Builder{}
	s.WriteString("bind ")
	if e.API != "" {
		s.WriteString(e.API)
		s.WriteString(" to ")
	}
	s.WriteString(e.Path)
	switch {
	case e.Version != nil:
		fmt.Fprintf(&s, ": incompatible version %s, want at least %s", e.Version.Have, e.Version.Want)
	case len(e.Missing) > 0:
		fmt.Fprintf(&s, ": missing symbols [%s]", strings.Join(e.Missing, ", "))
	case len(e.Mismatched) > 0:
		fmt.Fprintf(&s, ": signature mismatch [%s]", strings.Join(e.Mismatched, ", "))
	}
	if e.Err != nil {
		s.WriteString(": ")
		s.WriteString(e.Err.Error())
	}
	return s.String()
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool {
	switch target {
	case ErrMissingSymbols:
		return len(e.Missing) > 0
	case ErrIncompatibleVersion:
		return e.Version != nil
	case ErrSignatureMismatch:
		return len(e.Mismatched) > 0
	}
	return false
}

// Binding is a module's exported surface bound against a Descriptor.
//
// A Binding holds one reference on its Module; the module stays loaded until
// Release. Values fetched from a Binding must not be used after Release.
type Binding struct {
	module   *Module
	api      string
	values   map[string]reflect.Value
	present  map[string]bool
	optional []string
	version  *Version
	released atomic.Bool
}

// Bind looks up and types every symbol of d in m.
//
// Either every required symbol resolves and a Binding holding one new reference
// is returned, or a *BindError and m is left as it was.
func Bind(m *Module, d Descriptor) (*Binding, error) {
	if err := m.Acquire(); err != nil {
		return nil, err
	}
	b, err := bind(m, d)
	if err != nil {
		_ = m.Release()
		m.log.Debug().Err(err).Str("api", d.api).Str("path", m.path).Msg("bind failed")
		return nil, err
	}
	m.log.Debug().Str("api", d.api).Str("path", m.path).Strs("capabilities", b.Capabilities()).Msg("bound")
	return b, nil
}

type found struct {
	sym   Symbol
	addrs []uintptr
}

func bind(m *Module, d Descriptor) (*Binding, error) {
	lib := m.library()
	be := &BindError{API: d.api, Path: m.path}
	b := &Binding{
		module:  m,
		api:     d.api,
		values:  make(map[string]reflect.Value, len(d.symbols)),
		present: make(map[string]bool, len(d.symbols)),
	}
	if r := d.version; r != nil {
		addr, err := lib.Lookup(r.symbol)
		switch {
		case err != nil && r.strict:
			be.Missing = append(be.Missing, r.symbol)
		case err != nil:
			m.log.Warn().Str("path", m.path).Str("symbol", r.symbol).Msg("module exports no version, not checked")
		default:
			v := readVersion(addr)
			if !v.AtLeast(r.min) {
				be.Version = &VersionDelta{Have: v, Want: r.min}
				return nil, be
			}
			b.version = &v
		}
	}
	var sigs map[string]string
	if d.signatures != "" {
		if addr, err := lib.Lookup(d.signatures); err == nil {
			sigs = parseSignatures(cString(addr))
		}
	}
	var hits []found
	for _, s := range d.symbols {
		if !s.Required {
			b.optional = append(b.optional, s.Name)
		}
		f := found{sym: s}
		var miss []string
		for _, name := range s.exports() {
			addr, err := lib.Lookup(name)
			if err != nil {
				miss = append(miss, name)
				continue
			}
			f.addrs = append(f.addrs, addr)
		}
		switch {
		case len(miss) == 0:
			hits = append(hits, f)
		case s.Required:
			be.Missing = append(be.Missing, miss...)
		}
	}
	if len(be.Missing) > 0 {
		return nil, be
	}
	if sigs != nil {
		for _, f := range hits {
			if f.sym.Kind == KindProbe {
				continue
			}
			want := normalizeSignature(f.sym.Type.String())
			for _, name := range f.sym.exports() {
				if have, ok := sigs[name]; ok && have != want {
					be.Mismatched = append(be.Mismatched, name)
				}
			}
		}
		if len(be.Mismatched) > 0 {
			return nil, be
		}
	}
	for _, f := range hits {
		v, mismatched, err := typeSymbol(lib, f)
		if err != nil {
			be.Err = err
			return nil, be
		}
		if len(mismatched) > 0 {
			be.Mismatched = append(be.Mismatched, mismatched...)
			continue
		}
		b.present[f.sym.Name] = true
		if v.IsValid() {
			b.values[f.sym.Name] = v
		}
	}
	if len(be.Mismatched) > 0 {
		return nil, be
	}
	return b, nil
}

// typeSymbol returns the exports of f that fail to type as a signature mismatch, err is any other failure.
func typeSymbol(lib Library, f found) (v reflect.Value, mismatched []string, err error) {
	names := f.sym.exports()
	switch f.sym.Kind {
	case KindFunc:
		v, err = typeFunc(lib, names[0], f.sym.Type, f.addrs[0])
		if name, ok := mismatch(err); ok {
			return reflect.Value{}, []string{name}, nil
		}
		return
	case KindFuncList:
		list := reflect.MakeSlice(reflect.SliceOf(f.sym.Type), 0, len(f.addrs))
		for i, addr := range f.addrs {
			fv, err := typeFunc(lib, names[i], f.sym.Type, addr)
			if name, ok := mismatch(err); ok {
				mismatched = append(mismatched, name)
				continue
			} else if err != nil {
				return reflect.Value{}, nil, err
			}
			list = reflect.Append(list, fv)
		}
		if len(mismatched) > 0 {
			return reflect.Value{}, mismatched, nil
		}
		return list, nil, nil
	case KindData:
		return typeData(f.sym.Type, f.addrs[0]), nil, nil
	}
	return
}

func mismatch(err error) (string, bool) {
	var se *SymbolError
	if errors.As(err, &se) && se.Kind == SignatureMismatch {
		return se.Name, true
	}
	return "", false
}

// API identifier of the descriptor this binding was made from.
func (b *Binding) API() string { return b.api }

// Module the binding keeps alive.
func (b *Binding) Module() *Module { return b.module }

// Version read from the module, if the descriptor asked for it and the module exported one.
func (b *Binding) Version() (Version, bool) {
	if b.version == nil {
		return Version{}, false
	}
	return *b.version, true
}

// Has reports whether symbol name was bound.
func (b *Binding) Has(name string) bool { return b.present[name] }

// Capabilities are the optional symbols the module provides, in descriptor order.
func (b *Binding) Capabilities() []string {
	v := make([]string, 0, len(b.optional))
	for _, s := range b.optional {
		if b.present[s] {
			v = append(v, s)
		}
	}
	return v
}

// Absent are the optional symbols the module lacks, in descriptor order.
func (b *Binding) Absent() []string {
	var v []string
	for _, s := range b.optional {
		if !b.present[s] {
			v = append(v, s)
		}
	}
	return v
}

// Released reports whether Release was called.
func (b *Binding) Released() bool { return b.released.Load() }

// Release returns the binding's module reference. Only the first call has an effect.
func (b *Binding) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return nil
	}
	return b.module.Release()
}

// Clone returns a binding of the same values holding its own module reference.
func (b *Binding) Clone() (*Binding, error) {
	if b.released.Load() {
		return nil, ErrReleased
	}
	if err := b.module.Acquire(); err != nil {
		return nil, err
	}
	return &Binding{
		module:   b.module,
		api:      b.api,
		values:   b.values,
		present:  b.present,
		optional: b.optional,
		version:  b.version,
	}, nil
}

func (b *Binding) value(name string, t reflect.Type) (reflect.Value, error) {
	if b.released.Load() {
		return reflect.Value{}, ErrReleased
	}
	v, ok := b.values[name]
	if !ok {
		return v, &SymbolError{Name: name, Kind: SymbolNotFound}
	}
	if v.Type() != t {
		return reflect.Value{}, &SymbolError{Name: name, Kind: SignatureMismatch, Err: fmt.Errorf("bound as %s, fetched as %s", v.Type(), t)}
	}
	return v, nil
}

// As fetches function name as T, which must be the type it was declared with.
func As[T any](b *Binding, name string) (x T, err error) {
	v, err := b.value(name, typeOf[T]())
	if err != nil {
		return
	}
	return v.Interface().(T), nil
}

// MustAs is As that panics.
func MustAs[T any](b *Binding, name string) T {
	x, err := As[T](b, name)
	if err != nil {
		panic(err)
	}
	return x
}

// Ptr fetches variable name declared with Var[T].
func Ptr[T any](b *Binding, name string) (*T, error) {
	v, err := b.value(name, reflect.PointerTo(typeOf[T]()))
	if err != nil {
		return nil, err
	}
	return v.Interface().(*T), nil
}

// AsList fetches function list name declared with FnList[T].
func AsList[T any](b *Binding, name string) ([]T, error) {
	v, err := b.value(name, reflect.SliceOf(typeOf[T]()))
	if err != nil {
		return nil, err
	}
	return v.Interface().([]T), nil
}

// Use create a function to fetch and use symbol on the fly.
//
// The callback runs on a Clone of b, so the module stays loaded until it returns
// even if b is released meanwhile.
func Use[T any](b *Binding, name string) func(func(t T, err error)) {
	return func(f func(t T, err error)) {
		var x T
		c, err := b.Clone()
		if err != nil {
			f(x, err)
			return
		}
		defer func() { _ = c.Release() }()
		x, err = As[T](c, name)
		f(x, err)
	}
}
