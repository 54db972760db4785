//go:build windows

package dynlib

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

const (
	errAccessDenied      = syscall.Errno(5)
	errModNotFound       = syscall.Errno(126)
	errProcNotFound      = syscall.Errno(127)
	errBadExeFormat      = syscall.Errno(193)
	errMachineMismatch   = syscall.Errno(216)
	errInvalidImageHash  = syscall.Errno(577)
	errSideBySideFailure = syscall.Errno(14001)
)

type nativeLoader struct{}

// Native opens DLLs through LoadLibrary.
func Native() Loader { return nativeLoader{} }

func (nativeLoader) Open(path string) (Library, error) {
	path, err := absolute(path)
	if err != nil {
		return nil, err
	}
	if err = checkFile(path); err != nil {
		return nil, err
	}
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return nil, classifyErrno(path, err)
	}
	return &sharedLibrary{handle: h}, nil
}

type sharedLibrary struct {
	handle windows.Handle
}

func (so *sharedLibrary) Lookup(name string) (uintptr, error) {
	p, err := windows.GetProcAddress(so.handle, name)
	if err != nil {
		return 0, &SymbolError{Name: name, Kind: SymbolNotFound, Err: err}
	}
	return p, nil
}

func (so *sharedLibrary) Register(fptr any, addr uintptr) error {
	return registerFunc(fptr, addr)
}

func (so *sharedLibrary) Close() error {
	return windows.FreeLibrary(so.handle)
}

// classifyErrno maps a LoadLibrary failure to a LoadError kind. The file is known to exist.
func classifyErrno(path string, err error) error {
	kind := BadFormat
	var no syscall.Errno
	if errors.As(err, &no) {
		switch no {
		case errAccessDenied, errInvalidImageHash:
			kind = PermissionDenied
		case errModNotFound, errProcNotFound, errSideBySideFailure:
			kind = DependencyMissing
		case errBadExeFormat, errMachineMismatch:
			kind = BadFormat
		}
	}
	return &LoadError{Kind: kind, Path: path, Err: err}
}
