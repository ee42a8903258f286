package volume

import "context"

// Store is the copy-on-write volume substrate images and containers live on.
// Paths are dataset names, snapshots are written `<dataset>@<name>`. Calls on
// disjoint paths may run concurrently; callers serialize calls on one path.
type Store interface {
	CreateDataset(ctx context.Context, path string) error
	// Snapshot returns the full snapshot name.
	Snapshot(ctx context.Context, dataset, name string) (string, error)
	Clone(ctx context.Context, snapshot, target string) error
	// Promote detaches dataset from the snapshot it was cloned from, so the
	// source can be destroyed without affecting it.
	Promote(ctx context.Context, dataset string) error
	// Destroy removes path with its snapshots and children. With force,
	// clones depending on it are destroyed first.
	Destroy(ctx context.Context, path string, force bool) error
	// Mount mounts dataset at mountpoint, or at its default location when
	// mountpoint is empty, and returns where it ended up.
	Mount(ctx context.Context, dataset, mountpoint string) (string, error)
	Unmount(ctx context.Context, dataset string) error
	MountPath(ctx context.Context, dataset string) (string, error)
	ListSnapshots(ctx context.Context, dataset string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
	GetProperty(ctx context.Context, path, property string) (string, error)
	SetProperty(ctx context.Context, path, property, value string) error
	UsedSpace(ctx context.Context, dataset string) (uint64, error)
	Rename(ctx context.Context, from, to string) error
}

// Paths lays out where images and containers live under the store root.
type Paths struct {
	Root string
}

func (p Paths) Images() string {
	return p.Root + "/images"
}

func (p Paths) Image(id string) string {
	return p.Images() + "/" + id
}

func (p Paths) Containers() string {
	return p.Root + "/containers"
}

func (p Paths) Container(jailName string) string {
	return p.Containers() + "/" + jailName
}

func splitSnapshot(snapshot string) (dataset, name string, ok bool) {
	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i] == '@' {
			return snapshot[:i], snapshot[i+1:], i > 0 && i < len(snapshot)-1
		}
	}
	return snapshot, "", false
}
