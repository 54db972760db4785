package dynlib

import (
	"fmt"
	"reflect"
	"strings"
)

// TagName is the struct tag read by Describe and Fill.
const TagName = "dynlib"

type field struct {
	index    int
	name     string
	optional bool
}

func fields(t reflect.Type) (v []field, err error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%s is not a struct", t)
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get(TagName)
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		v = append(v, field{index: i, name: name, optional: opts == "optional"})
	}
	return
}

// Describe builds a Descriptor from the fields of the struct api points to.
//
// Func fields become functions, []func fields function lists and pointer fields
// variables. The tag `dynlib:"name,optional"` sets the symbol name and marks it
// optional, `dynlib:"-"` skips a field. extra entries are appended, such as MinVersion.
//
//	type System struct {
//		Init     func()          `dynlib:"init_plugin"`
//		Update   func()          `dynlib:"update,optional"`
//		Count    *int32          `dynlib:"number_of_systems"`
//		Getters  []func() uintptr
//	}
func Describe(api string, v any, extra ...Entry) (Descriptor, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return Descriptor{}, fmt.Errorf("describe %s: nil value", api)
	}
	fs, err := fields(t)
	if err != nil {
		return Descriptor{}, fmt.Errorf("describe %s: %w", api, err)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	entries := make([]Entry, 0, len(fs)+len(extra))
	for _, f := range fs {
		ft := t.Field(f.index).Type
		s := Symbol{Name: f.name, Required: !f.optional}
		switch {
		case ft.Kind() == reflect.Func:
			s.Kind, s.Type = KindFunc, ft
		case ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.Func:
			s.Kind, s.Type = KindFuncList, ft.Elem()
		case ft.Kind() == reflect.Pointer:
			s.Kind, s.Type = KindData, ft.Elem()
		default:
			return Descriptor{}, fmt.Errorf("describe %s: field %s: unsupported type %s", api, t.Field(f.index).Name, ft)
		}
		entries = append(entries, s)
	}
	return NewDescriptor(api, append(entries, extra...)...)
}

// Fill copies bound values into the struct dst points to, matched as Describe matches them.
// Fields of absent optional symbols are set to their zero value.
func (b *Binding) Fill(dst any) error {
	if b.released.Load() {
		return ErrReleased
	}
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("fill: want non nil pointer to struct, got %T", dst)
	}
	fs, err := fields(rv.Type())
	if err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	rv = rv.Elem()
	for _, f := range fs {
		fv := rv.Field(f.index)
		v, ok := b.values[f.name]
		if !ok {
			fv.Set(reflect.Zero(fv.Type()))
			continue
		}
		if !v.Type().AssignableTo(fv.Type()) {
			return &SymbolError{Name: f.name, Kind: SignatureMismatch, Err: fmt.Errorf("bound as %s, field is %s", v.Type(), fv.Type())}
		}
		fv.Set(v)
	}
	return nil
}
