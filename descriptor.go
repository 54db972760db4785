package dynlib

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
)

// Kind of a descriptor entry.
type Kind int

const (
	KindFunc     Kind = iota + 1 //one function
	KindFuncList                 //several exported functions of one signature under one name
	KindData                     //a variable, bound as a typed pointer
	KindProbe                    //presence only, nothing is bound
)

func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindFuncList:
		return "func list"
	case KindData:
		return "data"
	case KindProbe:
		return "probe"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type (
	// Symbol declares one member of an API.
	//
	// Name is the logical name used to fetch the bound value, Exports the names
	// looked up in the module, Name itself when empty.
	Symbol struct {
		Name     string
		Exports  []string
		Type     reflect.Type //func type for KindFunc and KindFuncList, element type for KindData
		Kind     Kind
		Required bool
	}
	// Entry is anything NewDescriptor accepts: symbols and descriptor options.
	Entry interface {
		apply(d *Descriptor) error
	}
	entryFunc func(d *Descriptor) error

	// Descriptor is the expected shape of a module's exported surface. It is immutable.
	Descriptor struct {
		api        string
		symbols    []Symbol
		version    *versionRule
		signatures string
	}
	versionRule struct {
		symbol string
		min    Version
		strict bool
	}
)

func (f entryFunc) apply(d *Descriptor) error { return f(d) }

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// Fn declares a required function of signature T, which must be a func type.
func Fn[T any](name string) Symbol {
	return Symbol{Name: name, Type: typeOf[T](), Kind: KindFunc, Required: true}
}

// FnList declares a required list of functions of signature T exported under names exports.
func FnList[T any](name string, exports ...string) Symbol {
	return Symbol{Name: name, Exports: exports, Type: typeOf[T](), Kind: KindFuncList, Required: true}
}

// Var declares a required variable of type T, bound as *T.
func Var[T any](name string) Symbol {
	return Symbol{Name: name, Type: typeOf[T](), Kind: KindData, Required: true}
}

// Probe declares a required symbol only checked for presence.
func Probe(name string) Symbol {
	return Symbol{Name: name, Kind: KindProbe, Required: true}
}

// Optional marks s as optional: its absence is recorded as a missing capability instead of failing.
func Optional(s Symbol) Symbol {
	s.Required = false
	return s
}

// Export sets the exported names looked up for s.
func Export(s Symbol, names ...string) Symbol {
	s.Exports = slices.Clone(names)
	return s
}

// MinVersion requires the module to export symbol with a Version of at least v.
func MinVersion(symbol string, v Version) Entry {
	return entryFunc(func(d *Descriptor) error {
		if symbol == "" {
			return errors.New("version symbol name is empty")
		}
		strict := d.version != nil && d.version.strict
		d.version = &versionRule{symbol: symbol, min: v, strict: strict}
		return nil
	})
}

// StrictVersion makes a missing version symbol fail the bind. Without it an
// unversioned module is accepted unchecked.
func StrictVersion() Entry {
	return entryFunc(func(d *Descriptor) error {
		if d.version == nil {
			d.version = &versionRule{}
		}
		d.version.strict = true
		return nil
	})
}

// Signatures names a string symbol the module exports to describe its functions,
// one `name=func(...)...` per line in Go type syntax. Listed signatures are checked on bind.
func Signatures(symbol string) Entry {
	return entryFunc(func(d *Descriptor) error {
		d.signatures = symbol
		return nil
	})
}

func (s Symbol) apply(d *Descriptor) error {
	if s.Name == "" {
		return errors.New("symbol name is empty")
	}
	for _, x := range d.symbols {
		if x.Name == s.Name {
			return fmt.Errorf("symbol %s declared twice", s.Name)
		}
	}
	switch s.Kind {
	case KindFunc, KindFuncList:
		if s.Type == nil || s.Type.Kind() != reflect.Func {
			return fmt.Errorf("symbol %s: %v is not a func type", s.Name, s.Type)
		}
	case KindData:
		if s.Type == nil {
			return fmt.Errorf("symbol %s: missing data type", s.Name)
		}
	case KindProbe:
	default:
		return fmt.Errorf("symbol %s: unknown kind %v", s.Name, s.Kind)
	}
	if len(s.Exports) > 1 && s.Kind != KindFuncList {
		return fmt.Errorf("symbol %s: %s takes one export", s.Name, s.Kind)
	}
	s.Exports = slices.Clone(s.Exports)
	d.symbols = append(d.symbols, s)
	return nil
}

// NewDescriptor builds a Descriptor for api out of entries.
func NewDescriptor(api string, entries ...Entry) (Descriptor, error) {
	d := Descriptor{api: api}
	for _, e := range entries {
		if err := e.apply(&d); err != nil {
			return Descriptor{}, fmt.Errorf("descriptor %s: %w", api, err)
		}
	}
	if d.version != nil && d.version.symbol == "" {
		return Descriptor{}, fmt.Errorf("descriptor %s: StrictVersion without MinVersion", api)
	}
	return d, nil
}

// MustDescriptor is NewDescriptor that panics.
func MustDescriptor(api string, entries ...Entry) Descriptor {
	d, err := NewDescriptor(api, entries...)
	if err != nil {
		panic(err)
	}
	return d
}

// API identifier of the descriptor.
func (d Descriptor) API() string { return d.api }

// Symbols in declaration order.
func (d Descriptor) Symbols() []Symbol {
	v := make([]Symbol, len(d.symbols))
	for i, s := range d.symbols {
		s.Exports = s.exports()
		v[i] = s
	}
	return v
}

// Symbol by logical name.
func (d Descriptor) Symbol(name string) (Symbol, bool) {
	for _, s := range d.symbols {
		if s.Name == name {
			s.Exports = s.exports()
			return s, true
		}
	}
	return Symbol{}, false
}

// Version requirement: the symbol to read, the minimum, and whether absence fails.
func (d Descriptor) Version() (symbol string, floor Version, strict bool, ok bool) {
	if d.version == nil {
		return
	}
	return d.version.symbol, d.version.min, d.version.strict, true
}

// SignatureTable is the symbol named by Signatures, or empty.
func (d Descriptor) SignatureTable() string { return d.signatures }

// exports is the list of names to look up.
func (s Symbol) exports() []string {
	if len(s.Exports) == 0 {
		return []string{s.Name}
	}
	return slices.Clone(s.Exports)
}

// withExports returns a copy of d where symbol name looks up exports instead.
// A list is only accepted by a FnList member.
func (d Descriptor) withExports(name string, exports []string, list bool) (Descriptor, error) {
	i := slices.IndexFunc(d.symbols, func(s Symbol) bool { return s.Name == name })
	if i < 0 {
		return d, fmt.Errorf("unknown member %s", name)
	}
	if (list || len(exports) > 1) && d.symbols[i].Kind != KindFuncList {
		return d, fmt.Errorf("member %s: %s takes one export", name, d.symbols[i].Kind)
	}
	d.symbols = slices.Clone(d.symbols)
	d.symbols[i].Exports = slices.Clone(exports)
	return d, nil
}
