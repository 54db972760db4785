//go:build !(darwin || freebsd || linux || windows)

package dynlib

// Native reports ErrUnsupported on platforms without a dynamic linker binding.
func Native() Loader {
	return LoaderFunc(func(path string) (Library, error) {
		return nil, &LoadError{Kind: BadFormat, Path: path, Err: ErrUnsupported}
	})
}
