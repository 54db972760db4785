//go:build darwin || freebsd || linux

package dynlib

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ebitengine/purego"
)

type nativeLoader struct{}

// Native opens shared libraries through the platform dynamic linker.
//
// Libraries are opened with RTLD_NOW|RTLD_LOCAL: every symbol the library itself
// needs is bound at open time, so a broken dependency fails Open instead of a later call.
func Native() Loader { return nativeLoader{} }

// Open resolves a relative path against the working directory, the dynamic linker
// never searches its own paths for it.
func (nativeLoader) Open(path string) (Library, error) {
	path, err := absolute(path)
	if err != nil {
		return nil, err
	}
	if err = checkFile(path); err != nil {
		return nil, err
	}
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, classifyDlerror(path, err)
	}
	if h == 0 {
		return nil, &LoadError{Kind: BadFormat, Path: path}
	}
	return &sharedLibrary{handle: h}, nil
}

type sharedLibrary struct {
	handle uintptr
}

func (so *sharedLibrary) Lookup(name string) (uintptr, error) {
	p, err := purego.Dlsym(so.handle, name)
	if err != nil {
		return 0, &SymbolError{Name: name, Kind: SymbolNotFound, Err: err}
	}
	if p == 0 {
		return 0, &SymbolError{Name: name, Kind: SymbolNotFound}
	}
	return p, nil
}

func (so *sharedLibrary) Register(fptr any, addr uintptr) error {
	return registerFunc(fptr, addr)
}

func (so *sharedLibrary) Close() error {
	return purego.Dlclose(so.handle)
}

// classifyDlerror maps a dlerror message to a LoadError kind.
func classifyDlerror(path string, err error) error {
	msg := err.Error()
	low := strings.ToLower(msg)
	kind := BadFormat
	switch {
	case strings.Contains(low, "permission denied"):
		kind = PermissionDenied
	case strings.Contains(low, "undefined symbol"), strings.Contains(low, "symbol not found"):
		kind = DependencyMissing
	case strings.Contains(low, "cannot open shared object file"), strings.Contains(low, "library not loaded"),
		strings.Contains(low, "no such file"):
		kind = DependencyMissing
		if aboutPath(msg, path) {
			kind = NotFound
		}
	}
	return &LoadError{Kind: kind, Path: path, Err: fmt.Errorf("%s", msg)}
}

// aboutPath reports whether a dlerror message is about path itself rather than a dependency of it.
func aboutPath(msg, path string) bool {
	if strings.Contains(msg, "Library not loaded") {
		return false
	}
	subject, _, ok := strings.Cut(msg, ": ")
	if !ok {
		return false
	}
	subject = strings.TrimPrefix(subject, "dlopen(")
	if i := strings.IndexByte(subject, ','); i >= 0 {
		subject = subject[:i]
	}
	return subject == path || filepath.Base(subject) == filepath.Base(path) && filepath.IsAbs(subject) == filepath.IsAbs(path)
}
