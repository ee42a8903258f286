// Package bootstrap installs a FreeBSD base system into an empty root.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Strum355/log"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
)

const (
	DefaultMirror = "https://download.freebsd.org/releases"
	tarball       = "base.txz"
	checksumFile  = "base.txz.sha256"

	// marker of a root that already holds a base system
	marker = "bin/freebsd-version"
)

type Error struct {
	StatusCode int
	message    string
}

func newError(message string, status int) Error {
	return Error{status, message}
}

func (e Error) Error() string {
	return e.message
}

func (e Error) Status() int {
	return e.StatusCode
}

var (
	ErrDetect   error = newError("could not detect host release", http.StatusInternalServerError)
	ErrDownload error = newError("failed to download base system", http.StatusBadGateway)
	ErrChecksum error = newError("base system checksum mismatch", http.StatusBadGateway)
	ErrExtract  error = newError("failed to extract base system", http.StatusInternalServerError)
)

type Options struct {
	Version      string `json:"version,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Mirror       string `json:"mirror,omitempty"`
	// Download again even when the tarball is cached
	NoCache bool `json:"no_cache,omitempty"`
}

// Reporter receives coarse progress, percent in [0, 100].
type Reporter func(percent int, description string)

type Bootstrapper interface {
	Bootstrap(ctx context.Context, root string, opts Options, report Reporter) error
}

type FreeBSD struct {
	runner   helpers.Runner
	client   *http.Client
	cacheDir string

	// Mirror is used when a bootstrap names none
	Mirror string

	// NewBackOff builds the retry policy of each download
	NewBackOff func() backoff.BackOff
}

// NewFreeBSD returns a Bootstrapper fetching base.txz from a release
// mirror and caching it under cacheDir.
func NewFreeBSD(runner helpers.Runner, cacheDir string, client *http.Client) *FreeBSD {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &FreeBSD{
		runner:   runner,
		client:   client,
		cacheDir: cacheDir,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return backoff.WithMaxRetries(b, 5)
		},
	}
}

// Bootstrapped reports whether root already holds a base system.
func Bootstrapped(root string) bool {
	_, err := os.Stat(filepath.Join(root, marker))
	return err == nil
}

func (f *FreeBSD) Bootstrap(ctx context.Context, root string, opts Options, report Reporter) error {
	if report == nil {
		report = func(int, string) {}
	}

	if Bootstrapped(root) {
		log.WithFields(log.Fields{
			"root": root,
		}).Info("root already bootstrapped, skipping")
		report(100, "already bootstrapped")
		return nil
	}

	report(0, "detecting release")
	version, err := f.version(ctx, opts.Version)
	if err != nil {
		return err
	}
	arch, err := f.architecture(ctx, opts.Architecture)
	if err != nil {
		return err
	}

	fields := log.Fields{
		"root":    root,
		"version": version,
		"arch":    arch,
	}
	log.WithFields(fields).Info("bootstrapping base system")

	cached := filepath.Join(f.cacheDir, version+"-"+arch, tarball)
	if _, err := os.Stat(cached); err != nil || opts.NoCache {
		report(10, fmt.Sprintf("downloading %s %s", version, arch))
		mirror := opts.Mirror
		if mirror == "" {
			mirror = f.Mirror
		}
		if err := f.fetch(ctx, mirror, version, arch, cached); err != nil {
			return err
		}
	} else {
		log.WithFields(fields).Info("using cached tarball")
	}

	report(65, "extracting base system")
	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.Wrap(ErrExtract, err.Error())
	}
	if _, err := f.runner.Run(ctx, "tar", "-xpf", cached, "-C", root); err != nil {
		return errors.Wrapf(ErrExtract, "%s", helpers.Stderr(err))
	}

	report(92, "writing configuration")
	if err := writeConfig(root); err != nil {
		return err
	}

	report(100, "bootstrap complete")
	log.WithFields(fields).Info("bootstrap complete")
	return nil
}

var patchLevel = regexp.MustCompile(`-p[0-9]+$`)

func (f *FreeBSD) version(ctx context.Context, given string) (string, error) {
	if given != "" {
		return given, nil
	}
	out, err := f.runner.Run(ctx, "freebsd-version", "-u")
	if err != nil {
		return "", errors.Wrap(ErrDetect, helpers.Stderr(err))
	}
	v := patchLevel.ReplaceAllString(strings.TrimSpace(string(out)), "")
	if v == "" {
		return "", errors.Wrap(ErrDetect, "empty freebsd-version output")
	}
	return v, nil
}

func (f *FreeBSD) architecture(ctx context.Context, given string) (string, error) {
	if given != "" {
		return given, nil
	}
	out, err := f.runner.Run(ctx, "uname", "-p")
	if err != nil {
		return "", errors.Wrap(ErrDetect, helpers.Stderr(err))
	}
	arch := strings.TrimSpace(string(out))
	if arch == "" {
		return "", errors.Wrap(ErrDetect, "empty uname output")
	}
	return arch, nil
}

// MirrorURL is the location of file for a release on mirror.
func MirrorURL(mirror, version, arch, file string) string {
	if mirror == "" {
		mirror = DefaultMirror
	}
	var archPath string
	switch arch {
	case "amd64":
		archPath = "amd64/amd64"
	case "i386":
		archPath = "i386/i386"
	case "aarch64", "arm64":
		archPath = "arm64/aarch64"
	default:
		archPath = arch
	}
	return strings.TrimRight(mirror, "/") + "/" + archPath + "/" + version + "/" + file
}

func (f *FreeBSD) fetch(ctx context.Context, mirror, version, arch, dest string) error {
	sumURL := MirrorURL(mirror, version, arch, checksumFile)
	var expected string
	err := f.retry(ctx, sumURL, func(body io.Reader) error {
		data, err := ioutil.ReadAll(io.LimitReader(body, 4096))
		if err != nil {
			return err
		}
		expected, err = parseChecksum(string(data))
		return err
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrap(ErrDownload, err.Error())
	}
	tmp := dest + ".part"
	defer os.Remove(tmp)

	var actual string
	err = f.retry(ctx, MirrorURL(mirror, version, arch, tarball), func(body io.Reader) error {
		out, err := os.Create(tmp)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer out.Close()

		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(out, h), body); err != nil {
			return err
		}
		actual = hex.EncodeToString(h.Sum(nil))
		return out.Close()
	})
	if err != nil {
		return err
	}

	if !strings.EqualFold(actual, expected) {
		return errors.Wrapf(ErrChecksum, "expected %s, got %s", expected, actual)
	}
	return os.Rename(tmp, dest)
}

// retry GETs url and hands the body to read, retrying transport errors
// and 5xx responses with the configured backoff.
func (f *FreeBSD) retry(ctx context.Context, url string, read func(io.Reader) error) error {
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return errors.Errorf("%s: HTTP %d", url, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(errors.Errorf("%s: HTTP %d", url, resp.StatusCode))
		}
		return read(resp.Body)
	}

	notify := func(err error, next time.Duration) {
		log.WithError(err).WithFields(log.Fields{
			"url":     url,
			"attempt": attempt,
			"next":    next.String(),
		}).Error("download failed, retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(f.NewBackOff(), ctx), notify); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			err = perm.Err
		}
		return errors.Wrap(ErrDownload, err.Error())
	}
	return nil
}

// parseChecksum accepts "HASH  base.txz" and "SHA256 (base.txz) = HASH".
func parseChecksum(text string) (string, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", backoff.Permanent(errors.New("empty checksum file"))
	}
	sum := fields[0]
	if strings.Contains(text, "=") {
		sum = fields[len(fields)-1]
	}
	if _, err := hex.DecodeString(sum); err != nil || len(sum) != sha256.Size*2 {
		return "", backoff.Permanent(errors.Errorf("invalid checksum %q", sum))
	}
	return sum, nil
}

func writeConfig(root string) error {
	etc, err := helpers.InRoot(root, "etc")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(etc, 0755); err != nil {
		return err
	}
	host := filepath.Base(root)

	files := map[string]string{
		"rc.conf": "# Basic rc configuration for " + host + "\n" +
			"sendmail_enable=\"NO\"\n" +
			"sendmail_submit_enable=\"NO\"\n" +
			"sendmail_outbound_enable=\"NO\"\n" +
			"cron_enable=\"YES\"\n",
		"resolv.conf": "nameserver 1.1.1.1\nnameserver 8.8.8.8\n",
		"hosts": "127.0.0.1 localhost localhost.localdomain " + host + "\n" +
			"::1 localhost localhost.localdomain\n",
	}
	for name, content := range files {
		if err := ioutil.WriteFile(filepath.Join(etc, name), []byte(content), 0644); err != nil {
			return errors.Wrapf(err, "writing %s", name)
		}
	}
	return nil
}
