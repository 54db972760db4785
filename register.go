//go:build darwin || freebsd || linux || windows

package dynlib

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// registerFunc types a native function through purego, turning its panics on unsupported signatures into errors.
func registerFunc(fptr any, addr uintptr) (err error) {
	defer func() {
		switch x := recover().(type) {
		case nil:
		case error:
			err = &SymbolError{Kind: SignatureMismatch, Err: x}
		default:
			err = &SymbolError{Kind: SignatureMismatch, Err: fmt.Errorf("%v", x)}
		}
	}()
	purego.RegisterFunc(fptr, addr)
	return
}
