package build

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/models/image"
)

const profilePath = "etc/profile.kawakaze"

// state is what a build carries between instructions.
type state struct {
	root       string
	contextDir string
	cfg        *image.Config
	// CMD was set by this build, so ENTRYPOINT keeps it
	cmdSet bool
}

// resolve makes p absolute inside the image, relative to the working
// directory.
func (s *state) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	wd := s.cfg.WorkDir
	if wd == "" {
		wd = "/"
	}
	return path.Join(wd, p)
}

// host maps an image path onto the build root. Symlinks left by earlier
// instructions resolve inside the root, never on the host.
func (s *state) host(p string) (string, error) {
	return helpers.InRoot(s.root, filepath.FromSlash(p))
}

func (s *state) mkdir(p string) error {
	dir, err := s.host(p)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

func (s *state) appendProfile(pairs []image.Pair) error {
	file, err := s.host(profilePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if _, err := fmt.Fprintf(f, "export %s=\"%s\"\n", p.Key, escapeDouble(p.Value)); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

var doubleQuoted = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")

func escapeDouble(s string) string {
	return doubleQuoted.Replace(s)
}

func isURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// copyIn materializes COPY and ADD sources. Several sources, or a
// destination ending in a slash, copy into a directory.
func (e *Engine) copyIn(ctx context.Context, st *state, inst image.Instruction) error {
	dest := st.resolve(inst.Dest)
	target, err := st.host(dest)
	if err != nil {
		return err
	}
	intoDir := strings.HasSuffix(inst.Dest, "/") || len(inst.Args) > 1

	for _, src := range inst.Args {
		if inst.Kind == image.KindAdd && isURL(src) {
			if err := e.fetch(ctx, st, src, dest, intoDir); err != nil {
				return err
			}
			continue
		}

		if st.contextDir == "" {
			return errors.Errorf("%s %s: build has no context directory", inst.Kind, src)
		}
		pattern, err := helpers.InRoot(st.contextDir, filepath.FromSlash(src))
		if err != nil {
			return err
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return errors.Wrapf(err, "bad pattern %s", src)
		}
		if len(matches) == 0 {
			return errors.Errorf("%s: no such file in build context", src)
		}

		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return err
			}
			to := dest
			switch {
			case info.IsDir():
				// directories contribute their contents
			case intoDir || len(matches) > 1:
				to = path.Join(dest, filepath.Base(m))
			default:
				if fi, err := os.Stat(target); err == nil && fi.IsDir() {
					to = path.Join(dest, filepath.Base(m))
				}
			}
			hostTo, err := st.host(to)
			if err != nil {
				return err
			}
			if err := helpers.CopyTree(m, st.root, hostTo); err != nil {
				return errors.Wrapf(err, "copying %s", src)
			}
		}
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, st *state, src, dest string, intoDir bool) error {
	u, err := url.Parse(src)
	if err != nil {
		return errors.Wrapf(err, "bad url %s", src)
	}
	if intoDir {
		name := path.Base(u.Path)
		if name == "/" || name == "." {
			return errors.Errorf("%s: cannot name a file after the url", src)
		}
		dest = path.Join(dest, name)
	}
	to, err := st.host(dest)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := e.cfg.Client.Do(req.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "fetching %s", src)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetching %s: HTTP %d", src, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return errors.Wrapf(err, "fetching %s", src)
	}
	return f.Close()
}
