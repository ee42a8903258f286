package helpers

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"
)

// ErrPathEscapes is returned by Contained when a relative path climbs out of
// its base.
var ErrPathEscapes = errors.New("path escapes root")

// Contained rejects relative paths that leave their base lexically. It is for
// operator supplied paths, where clamping would hide a mistake.
func Contained(rel string) error {
	rel = filepath.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.Wrap(ErrPathEscapes, rel)
	}
	return nil
}

// InRoot resolves p inside root the way a chroot would: symlinks are followed
// relative to root and ".." stops at it.
func InRoot(root, p string) (string, error) {
	joined, err := securejoin.SecureJoin(root, p)
	return joined, errors.Wrapf(err, "resolving %s in %s", p, root)
}

// CopyTree copies src (a file or directory) to dst, preserving modes and
// symlinks. dst and every path below it are resolved with InRoot, so links
// that already exist under root cannot redirect the copy.
func CopyTree(src, root, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return errors.Wrap(err, "failed to stat copy source")
	}
	base, err := filepath.Rel(root, dst)
	if err != nil {
		return errors.Wrapf(err, "%s is not under %s", dst, root)
	}

	if !info.IsDir() {
		to, err := InRoot(root, base)
		if err != nil {
			return err
		}
		return copyEntry(src, to, info)
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		to, err := InRoot(root, filepath.Join(base, rel))
		if err != nil {
			return err
		}
		return copyEntry(path, to, fi)
	})
}

func copyEntry(src, dst string, info os.FileInfo) error {
	switch {
	case info.IsDir():
		return os.MkdirAll(dst, info.Mode().Perm())
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		os.Remove(dst)
		return os.Symlink(target, dst)
	case info.Mode().IsRegular():
		return copyFile(src, dst, info.Mode().Perm())
	}
	// sockets, devices and fifos are skipped
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
