package dynlib

import (
	"maps"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
)

// host is the runtime symbol table every Go object module links against.
var (
	hostOnce sync.Once
	hostErr  error
	hostMu   sync.Mutex
	host     map[string]uintptr
)

func hostTable() (map[string]uintptr, error) {
	hostOnce.Do(func() {
		host = make(map[string]uintptr)
		hostErr = goloader.RegSymbol(host)
	})
	return host, hostErr
}

// cloneHost snapshots the host table, so one module's link never leaks into another.
func cloneHost() (map[string]uintptr, error) {
	h, err := hostTable()
	if err != nil {
		return nil, err
	}
	hostMu.Lock()
	defer hostMu.Unlock()
	return maps.Clone(h), nil
}

// UseHostSo adds the symbols of a shared object to the host table used by GoObjects.
func UseHostSo(p string) error {
	h, err := hostTable()
	if err != nil {
		return err
	}
	hostMu.Lock()
	defer hostMu.Unlock()
	return goloader.RegSymbolWithSo(h, p)
}

// UseHostPath adds the symbols of an executable to the host table used by GoObjects.
func UseHostPath(p string) error {
	h, err := hostTable()
	if err != nil {
		return err
	}
	hostMu.Lock()
	defer hostMu.Unlock()
	return goloader.RegSymbolWithPath(h, p)
}

// UseHostTypes registers types Go object modules may share with the host, such as API interfaces.
func UseHostTypes(p ...any) error {
	h, err := hostTable()
	if err != nil {
		return err
	}
	hostMu.Lock()
	defer hostMu.Unlock()
	goloader.RegTypes(h, p...)
	return nil
}

// HostSymbols dump symbol names inside the host table.
func HostSymbols() ([]string, error) {
	h, err := hostTable()
	if err != nil {
		return nil, err
	}
	hostMu.Lock()
	defer hostMu.Unlock()
	return fn.MapKeys(h), nil
}
