package pool

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/dynlib"
)

// EnvSearchPath lists extra directories searched for logical plugin names, separated like PATH.
const EnvSearchPath = "DYNLIB_PATH"

// isPath reports whether id names a file rather than a logical plugin name.
func isPath(id string) bool {
	return filepath.IsAbs(id) || strings.ContainsAny(id, `/\`) || id == "." || id == ".."
}

// searchPaths are the configured directories followed by those of EnvSearchPath.
func (p *Pool) searchPaths() []string {
	v := append([]string(nil), p.cfg.SearchPaths...)
	if env := os.Getenv(EnvSearchPath); env != "" {
		v = append(v, filepath.SplitList(env)...)
	}
	return v
}

// resolve maps an identifier to the canonical path of an existing module file.
func (p *Pool) resolve(id string) (string, error) {
	if id == "" {
		return "", &dynlib.LoadError{Kind: dynlib.NotFound, Path: id}
	}
	var candidates []string
	if isPath(id) {
		candidates = dynlib.Decorate(id)
	} else {
		for _, dir := range p.searchPaths() {
			candidates = append(candidates, dynlib.Decorate(filepath.Join(dir, id))...)
		}
		candidates = append(candidates, dynlib.Decorate(id)...)
	}
	var first error
	for _, c := range candidates {
		path, err := dynlib.Canonical(c)
		if err == nil {
			if st, serr := os.Stat(path); serr == nil && !st.IsDir() {
				return path, nil
			}
			continue
		}
		if first == nil {
			first = err
		}
	}
	if first == nil {
		first = &dynlib.LoadError{Kind: dynlib.NotFound, Path: id, Err: os.ErrNotExist}
	}
	p.log.Debug().Str("id", id).Strs("candidates", candidates).Msg("plugin not found")
	return "", first
}
