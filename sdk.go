package dynlib

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ZenLiuCN/fn"
)

// goloader imports the compiler internals of the sdk under a path the go tool accepts outside cmd.
const (
	sdkInternal = "src/cmd/internal"
	sdkObjfile  = "src/cmd/objfile"
)

// PrepareSDK copies the compiler internals of goroot where goloader imports them from,
// a build using [GoObjects] fails without it. It reports false when they are in place already.
func PrepareSDK(goroot string) (bool, error) {
	dst := filepath.Join(goroot, sdkObjfile)
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := CopyDir(filepath.Join(goroot, sdkInternal), dst); err != nil {
		_ = os.RemoveAll(dst)
		return false, err
	}
	return true, nil
}

// CleanSDK removes what PrepareSDK copied. It reports false when there was nothing to remove.
func CleanSDK(goroot string) (bool, error) {
	dst := filepath.Join(goroot, sdkObjfile)
	if _, err := os.Stat(dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, os.RemoveAll(dst)
}

// CopyDir copies the tree of src to dst, keeping file modes. A symbolic link is copied as the file it points to.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(in)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return
}
