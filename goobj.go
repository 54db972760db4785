package dynlib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
)

type goObjectLoader struct {
	pkg   string
	types []any
}

// GoObjects loads Go relocatable object files, archives or serialized linkers of package pkg at runtime with [goloader].
//
// Notes:
//
//  1. Only exported functions and variables can be looked up. Names without a package are prefixed with pkg.
//  2. Types shared with the host must be registered, by types or UseHostTypes, or interface values won't match.
//  3. Every symbol the object needs must exist in the host table, missing ones fail Open as DependencyMissing.
//
// [goloader]: https://github.com/pkujhd/goloader
func GoObjects(pkg string, types ...any) Loader {
	if pkg == "" {
		pkg = "main"
	}
	return goObjectLoader{pkg: pkg, types: types}
}

func (g goObjectLoader) Open(path string) (Library, error) {
	if err := checkFile(path); err != nil {
		return nil, err
	}
	linker, err := g.link(path)
	if err != nil {
		return nil, &LoadError{Kind: BadFormat, Path: path, Err: err}
	}
	syms, err := cloneHost()
	if err != nil {
		return nil, &LoadError{Kind: DependencyMissing, Path: path, Err: err}
	}
	if len(g.types) > 0 {
		goloader.RegTypes(syms, g.types...)
	}
	if miss := goloader.UnresolvedSymbols(linker, syms); len(miss) > 0 {
		return nil, &LoadError{Kind: DependencyMissing, Path: path, Err: fmt.Errorf("unresolved %s", strings.Join(miss, ", "))}
	}
	module, err := goloader.Load(linker, syms)
	if err != nil {
		return nil, &LoadError{Kind: BadFormat, Path: path, Err: err}
	}
	return &goLibrary{pkg: g.pkg, module: module}, nil
}

// link reads an object or archive, or a linker serialized by goloader.Serialize when path ends with .linkable.
func (g goObjectLoader) link(path string) (*goloader.Linker, error) {
	if !strings.EqualFold(filepath.Ext(path), ".linkable") {
		return goloader.ReadObj(path, g.pkg)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(f)
	return goloader.UnSerialize(f)
}

type goLibrary struct {
	pkg    string
	module *goloader.CodeModule
}

func (s *goLibrary) qualify(sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		return s.pkg + "." + sym
	}
	return sym
}

func (s *goLibrary) Lookup(name string) (uintptr, error) {
	if s.module == nil {
		return 0, &SymbolError{Name: name, Kind: SymbolNotFound, Err: ErrClosed}
	}
	p, ok := s.module.Syms[s.qualify(name)]
	if !ok {
		return 0, &SymbolError{Name: name, Kind: SymbolNotFound}
	}
	return p, nil
}

// Register builds a Go func value around the code address: a func value points to a word holding the entry.
func (s *goLibrary) Register(fptr any, addr uintptr) error {
	v := reflect.ValueOf(fptr)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Func {
		return &SymbolError{Kind: SignatureMismatch, Err: errors.New("want pointer to func")}
	}
	entry := new(uintptr)
	*entry = addr
	v.Elem().Set(reflect.NewAt(v.Elem().Type(), unsafe.Pointer(&entry)).Elem())
	return nil
}

func (s *goLibrary) Close() error {
	if s.module != nil {
		_ = os.Stdout.Sync()
		s.module.Unload()
		s.module = nil
	}
	return nil
}
