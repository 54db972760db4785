package dynlib

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unsafe"
)

var (
	// ErrNotFound occurs when a module file does not exist.
	ErrNotFound = errors.New("module not found")
	// ErrBadFormat occurs when a module is not a loadable image for this process.
	ErrBadFormat = errors.New("bad module format")
	// ErrDependencyMissing occurs when a module's own dependencies can not be resolved.
	ErrDependencyMissing = errors.New("module dependency missing")
	// ErrPermissionDenied occurs when the operating system refuses access to a module.
	ErrPermissionDenied = errors.New("module permission denied")
	// ErrUnsupported occurs when no native loader exists for this platform.
	ErrUnsupported = errors.New("native loading unsupported on this platform")
	// ErrMissingSymbol occurs when can't found a symbol.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrSignatureMismatch occurs when a symbol can not be typed as the declared signature.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrClosed occurs when acquiring a Module that was already closed.
	ErrClosed = errors.New("module closed")
)

// LoadKind classifies a LoadError.
type LoadKind int

const (
	NotFound LoadKind = iota + 1
	BadFormat
	DependencyMissing
	PermissionDenied
)

func (k LoadKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case BadFormat:
		return "bad format"
	case DependencyMissing:
		return "dependency missing"
	case PermissionDenied:
		return "permission denied"
	default:
		return fmt.Sprintf("LoadKind(%d)", int(k))
	}
}

func (k LoadKind) sentinel() error {
	switch k {
	case NotFound:
		return ErrNotFound
	case BadFormat:
		return ErrBadFormat
	case DependencyMissing:
		return ErrDependencyMissing
	case PermissionDenied:
		return ErrPermissionDenied
	}
	return nil
}

// LoadError is returned by a Loader when a module can not be opened.
type LoadError struct {
	Kind LoadKind
	Path string
	Err  error // platform error, may be nil
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("load %s: %s", e.Path, e.Kind)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// SymbolKind classifies a SymbolError.
type SymbolKind int

const (
	SymbolNotFound SymbolKind = iota + 1
	SignatureMismatch
)

// SymbolError reports a single symbol that could not be resolved or typed.
type SymbolError struct {
	Name string
	Kind SymbolKind
	Err  error
}

func (e *SymbolError) Error() string {
	var s string
	if e.Kind == SignatureMismatch {
		s = "symbol " + e.Name + ": signature mismatch"
	} else {
		s = "symbol " + e.Name + ": not found"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *SymbolError) Unwrap() error { return e.Err }

func (e *SymbolError) Is(target error) bool {
	switch e.Kind {
	case SymbolNotFound:
		return target == ErrMissingSymbol
	case SignatureMismatch:
		return target == ErrSignatureMismatch
	}
	return false
}

// typeFunc types the function symbol at addr as t through the library.
func typeFunc(lib Library, name string, t reflect.Type, addr uintptr) (v reflect.Value, err error) {
	if t.Kind() != reflect.Func {
		return v, &SymbolError{Name: name, Kind: SignatureMismatch, Err: fmt.Errorf("%s is not a function type", t)}
	}
	fp := reflect.New(t)
	if err = lib.Register(fp.Interface(), addr); err != nil {
		var se *SymbolError
		if !errors.As(err, &se) {
			err = &SymbolError{Name: name, Kind: SignatureMismatch, Err: err}
		} else if se.Name == "" {
			se.Name = name
		}
		return
	}
	return fp.Elem(), nil
}

// typeData types the data symbol at addr as a pointer to t.
func typeData(t reflect.Type, addr uintptr) reflect.Value {
	return reflect.NewAt(t, *(*unsafe.Pointer)(unsafe.Pointer(&addr)))
}

const maxCString = 1 << 16

// cString reads a NUL terminated string starting at addr.
func cString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	p := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	n := 0
	for n < maxCString && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// parseSignatures reads a signature table, one `name=type` per line.
func parseSignatures(table string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(table, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		name, sig, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		m[strings.TrimSpace(name)] = normalizeSignature(sig)
	}
	return m
}

func normalizeSignature(s string) string {
	return strings.Join(strings.Fields(s), "")
}
