package volume

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Strum355/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
)

type zfsStore struct {
	runner    helpers.Runner
	root      string
	mountRoot string
}

// NewZFSStore drives the zfs CLI. The pool must be importable and root is
// created when missing. Datasets mounted without an explicit mountpoint end
// up under mountRoot.
func NewZFSStore(ctx context.Context, runner helpers.Runner, pool, root, mountRoot string) (Store, error) {
	z := &zfsStore{
		runner:    runner,
		root:      root,
		mountRoot: mountRoot,
	}

	if _, err := runner.Run(ctx, "zpool", "list", "-H", "-o", "name", pool); err != nil {
		return nil, errors.WithMessage(parseError(err, pool), "zfs pool unreachable")
	}

	paths := Paths{Root: root}
	for _, ds := range []string{root, paths.Images(), paths.Containers()} {
		if err := z.CreateDataset(ctx, ds); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return nil, errors.WithMessage(err, "failed to prepare dataset root")
		}
	}

	return z, nil
}

func (z *zfsStore) zfs(ctx context.Context, path string, args ...string) ([]byte, error) {
	out, err := z.runner.Run(ctx, "zfs", args...)
	return out, parseError(err, path)
}

func (z *zfsStore) CreateDataset(ctx context.Context, path string) error {
	exists, err := z.Exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrap(ErrAlreadyExists, path)
	}

	log.WithFields(log.Fields{
		"dataset": path,
	}).Debug("creating dataset")

	_, err = z.zfs(ctx, path, "create", "-p", "-o", "canmount=off", path)
	return err
}

func (z *zfsStore) Snapshot(ctx context.Context, dataset, name string) (string, error) {
	snapshot := dataset + "@" + name
	if _, err := z.zfs(ctx, snapshot, "snapshot", snapshot); err != nil {
		return "", err
	}
	return snapshot, nil
}

func (z *zfsStore) Clone(ctx context.Context, snapshot, target string) error {
	if exists, err := z.Exists(ctx, snapshot); err != nil {
		return err
	} else if !exists {
		return errors.Wrap(ErrNotFound, snapshot)
	}

	if exists, err := z.Exists(ctx, target); err != nil {
		return err
	} else if exists {
		return errors.Wrap(ErrAlreadyExists, target)
	}

	_, err := z.zfs(ctx, target, "clone", "-p", "-o", "canmount=off", snapshot, target)
	return err
}

// Promote replaces the clone with a received copy of itself. `zfs promote`
// would move the origin snapshot into the clone and break every other clone
// still meant to come from it.
func (z *zfsStore) Promote(ctx context.Context, dataset string) error {
	origin, err := z.GetProperty(ctx, dataset, "origin")
	if err != nil {
		return err
	}
	if origin == "" || origin == "-" {
		return nil
	}

	if err := z.Unmount(ctx, dataset); err != nil {
		return err
	}

	tag := "promote-" + strings.Replace(uuid.New().String(), "-", "", -1)[:8]
	snapshot, err := z.Snapshot(ctx, dataset, tag)
	if err != nil {
		return err
	}

	tmp := dataset + "-" + tag
	pipeline := fmt.Sprintf("zfs send %s | zfs receive -u %s", helpers.ShellQuote(snapshot), helpers.ShellQuote(tmp))
	if _, err := z.runner.Run(ctx, "/bin/sh", "-c", pipeline); err != nil {
		if _, cleanupErr := z.zfs(ctx, snapshot, "destroy", snapshot); cleanupErr != nil {
			log.WithError(cleanupErr).WithFields(log.Fields{
				"snapshot": snapshot,
			}).Error("failed to clean up promote snapshot")
		}
		return parseError(err, dataset)
	}

	if _, err := z.zfs(ctx, dataset, "destroy", "-r", dataset); err != nil {
		return err
	}
	if _, err := z.zfs(ctx, tmp, "rename", tmp, dataset); err != nil {
		return err
	}
	if _, err := z.zfs(ctx, dataset, "destroy", dataset+"@"+tag); err != nil {
		return err
	}
	return z.SetProperty(ctx, dataset, "canmount", "off")
}

func (z *zfsStore) Destroy(ctx context.Context, path string, force bool) error {
	log.WithFields(log.Fields{
		"path":  path,
		"force": force,
	}).Debug("destroying dataset")

	_, err := z.zfs(ctx, path, "destroy", "-r", path)
	if errors.Is(err, ErrDependentClones) && force {
		_, err = z.zfs(ctx, path, "destroy", "-R", path)
	}
	return err
}

func (z *zfsStore) defaultMountpoint(dataset string) string {
	return filepath.Join(z.mountRoot, strings.TrimPrefix(strings.TrimPrefix(dataset, z.root), "/"))
}

func (z *zfsStore) Mount(ctx context.Context, dataset, mountpoint string) (string, error) {
	if mountpoint == "" {
		mountpoint = z.defaultMountpoint(dataset)
	}

	if err := z.SetProperty(ctx, dataset, "canmount", "noauto"); err != nil {
		return "", err
	}
	if err := z.SetProperty(ctx, dataset, "mountpoint", mountpoint); err != nil {
		return "", err
	}

	mounted, err := z.GetProperty(ctx, dataset, "mounted")
	if err != nil {
		return "", err
	}
	if mounted != "yes" {
		if _, err := z.zfs(ctx, dataset, "mount", dataset); err != nil {
			return "", err
		}
	}
	return mountpoint, nil
}

func (z *zfsStore) Unmount(ctx context.Context, dataset string) error {
	mounted, err := z.GetProperty(ctx, dataset, "mounted")
	if err != nil {
		return err
	}
	if mounted != "yes" {
		return nil
	}
	_, err = z.zfs(ctx, dataset, "unmount", "-f", dataset)
	return err
}

func (z *zfsStore) MountPath(ctx context.Context, dataset string) (string, error) {
	mp, err := z.GetProperty(ctx, dataset, "mountpoint")
	if err != nil {
		return "", err
	}
	if mp == "none" || mp == "legacy" || mp == "-" {
		return z.defaultMountpoint(dataset), nil
	}
	return mp, nil
}

func (z *zfsStore) ListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	out, err := z.zfs(ctx, dataset, "list", "-H", "-t", "snapshot", "-o", "name", "-s", "creation", "-d", "1", dataset)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (z *zfsStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := z.zfs(ctx, path, "list", "-H", "-o", "name", "-t", "all", path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (z *zfsStore) GetProperty(ctx context.Context, path, property string) (string, error) {
	out, err := z.zfs(ctx, path, "get", "-H", "-p", "-o", "value", property, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (z *zfsStore) SetProperty(ctx context.Context, path, property, value string) error {
	_, err := z.zfs(ctx, path, "set", property+"="+value, path)
	return err
}

func (z *zfsStore) UsedSpace(ctx context.Context, dataset string) (uint64, error) {
	used, err := z.GetProperty(ctx, dataset, "used")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(used, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrCommandFailed, "unexpected used value %q for %s", used, dataset)
	}
	return n, nil
}

func (z *zfsStore) Rename(ctx context.Context, from, to string) error {
	_, err := z.zfs(ctx, from, "rename", from, to)
	return err
}

func lines(out []byte) []string {
	var res []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}
