package dynlib

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

type (
	// Library is one opened module as the platform sees it.
	//
	// Addresses returned by Lookup are only valid until Close. They never leave
	// this package, callers work with a Binding instead.
	Library interface {
		Lookup(name string) (uintptr, error)   //address of an exported symbol, fails with *SymbolError
		Register(fptr any, addr uintptr) error // set the function pointed by fptr to call addr
		Close() error                          //release the platform resource
	}
	// Loader opens modules from files.
	//
	// Opening a module may execute its static initializers. That code runs on the
	// calling goroutine, outside any control of this package.
	Loader interface {
		Open(path string) (Library, error) //fails with *LoadError
	}
	// LoaderFunc adapts a function to Loader.
	LoaderFunc func(path string) (Library, error)

	// Dispatch selects a Loader by file extension.
	Dispatch struct {
		Default Loader
		ByExt   map[string]Loader //lower case extension with leading dot
	}
)

func (f LoaderFunc) Open(path string) (Library, error) { return f(path) }

func (d Dispatch) Open(path string) (Library, error) {
	if l, ok := d.ByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return l.Open(path)
	}
	if d.Default == nil {
		return nil, &LoadError{Kind: BadFormat, Path: path, Err: errors.New("no loader for extension")}
	}
	return d.Default.Open(path)
}

// DefaultLoader opens Go objects, archives and serialized linkers with GoObjects("main"), anything else with Native.
func DefaultLoader() Loader {
	g := GoObjects("main")
	return Dispatch{
		Default: Native(),
		ByExt:   map[string]Loader{".o": g, ".a": g, ".linkable": g},
	}
}

// SharedExt is the shared library extension of the running platform.
func SharedExt() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin", "ios":
		return ".dylib"
	default:
		return ".so"
	}
}

// Decorate returns the file names a logical library name may have on this platform, plain name first.
func Decorate(name string) []string {
	v := []string{name}
	if filepath.Ext(name) != "" {
		return v
	}
	dir, base := filepath.Split(name)
	ext := SharedExt()
	v = append(v, name+ext)
	if runtime.GOOS != "windows" && !strings.HasPrefix(base, "lib") {
		v = append(v, filepath.Join(dir, "lib"+base+ext))
	}
	return v
}

// Canonical returns the absolute, symlink free form of path.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &LoadError{Kind: NotFound, Path: path, Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fileError(path, err)
	}
	return resolved, nil
}

// checkFile verifies path names a readable regular file.
func checkFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fileError(path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fileError(path, err)
	}
	if st.IsDir() {
		return &LoadError{Kind: BadFormat, Path: path, Err: errors.New("is a directory")}
	}
	return nil
}

// absolute pins path to the working directory so the file checked is the file opened.
func absolute(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &LoadError{Kind: NotFound, Path: path, Err: err}
	}
	return abs, nil
}

func fileError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &LoadError{Kind: NotFound, Path: path, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &LoadError{Kind: PermissionDenied, Path: path, Err: err}
	default:
		return &LoadError{Kind: BadFormat, Path: path, Err: err}
	}
}
