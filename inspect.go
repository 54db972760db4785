package dynlib

import (
	"debug/elf"
	"debug/macho"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
)

// Inspect lists the symbols a module file exports without loading it.
//
// Go objects and archives are read with goloader for package pkg, ELF and Mach-O
// images through their dynamic symbol tables.
func Inspect(path, pkg string) ([]string, error) {
	if err := checkFile(path); err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".o", ".a":
		if pkg == "" {
			pkg = "main"
		}
		return goloader.Parse(path, pkg)
	}
	if f, err := elf.Open(path); err == nil {
		defer fn.IgnoreClose(f)
		return elfExports(f)
	}
	if f, err := macho.Open(path); err == nil {
		defer fn.IgnoreClose(f)
		return machoExports(f), nil
	}
	return nil, &LoadError{Kind: BadFormat, Path: path, Err: errors.New("not an ELF, Mach-O or Go object file")}
}

func elfExports(f *elf.File) ([]string, error) {
	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	var v []string
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		switch elf.ST_BIND(s.Info) {
		case elf.STB_GLOBAL, elf.STB_WEAK:
		default:
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
			v = append(v, s.Name)
		}
	}
	slices.Sort(v)
	return slices.Compact(v), nil
}

const machoExternal = 0x01

func machoExports(f *macho.File) []string {
	if f.Symtab == nil {
		return nil
	}
	var v []string
	for _, s := range f.Symtab.Syms {
		if s.Sect == 0 || s.Type&machoExternal == 0 {
			continue
		}
		v = append(v, strings.TrimPrefix(s.Name, "_"))
	}
	slices.Sort(v)
	return slices.Compact(v)
}

// Imports resolve all imported packages and version (only if it's a module) of a Go object file.
//
// this use for diagnose a DependencyMissing of GoObjects.
func Imports(file, pkgPath string) (info *Info, err error) {
	v := &obj.Pkg{Syms: make(map[string]*obj.ObjSymbol, 0), File: file, PkgPath: pkgPath}
	if v.PkgPath == obj.EmptyString {
		v.PkgPath = "main"
	}
	if err = v.Symbols(); err != nil {
		return
	}
	info = parseInfo(v)
	info.File = file
	info.PkgPath = pkgPath
	return
}

// Info contains the import information of a Go object file
type Info struct {
	File    string
	PkgPath string
	Imports map[string]string // with pairs of package import path and version
}

func (i Info) String() string {
	s := strings.Builder{}
	keys := fn.MapKeys(i.Imports)
	slices.Sort(keys)
	for _, p := range keys {
		if v := i.Imports[p]; v != "" {
			s.WriteString(fmt.Sprintf("\t%s@%s\n", p, v))
		} else {
			s.WriteString(fmt.Sprintf("\t%s\n", p))
		}
	}
	return s.String()
}

// parseInfo pairs every import of v with the module version its compile units were read from.
func parseInfo(v *obj.Pkg) *Info {
	i := &Info{Imports: make(map[string]string, len(v.ImportPkgs))}
	for _, pkg := range v.ImportPkgs {
		i.Imports[pkg] = ""
	}
	for _, f := range v.CUFiles {
		f = strings.TrimPrefix(f, "gofile..")
		if strings.HasPrefix(f, "$GOROOT") {
			continue
		}
		f = cacheEscapes.Replace(f)
		for pkg, ver := range i.Imports {
			if ver == "" {
				i.Imports[pkg] = versionOf(f, pkg)
			}
		}
	}
	return i
}

// versionOf returns v1.2.3 when f is a module cache path like .../pkg@v1.2.3/file.go holding pkg.
func versionOf(f, pkg string) string {
	_, rest, ok := strings.Cut(f, pkg)
	if !ok {
		return ""
	}
	_, ver, ok := strings.Cut(rest, "@")
	if !ok {
		return ""
	}
	ver, _, _ = strings.Cut(ver, "/")
	return ver
}

// cacheEscapes reverts the module cache escaping of upper case letters, "!a" for "A".
var cacheEscapes = func() *strings.Replacer {
	pairs := make([]string, 0, 2*26)
	for c := 'a'; c <= 'z'; c++ {
		pairs = append(pairs, "!"+string(c), string(c-'a'+'A'))
	}
	return strings.NewReplacer(pairs...)
}()
