package volume

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
)

type memDataset struct {
	origin     string
	props      map[string]string
	mountpoint string
	mounted    bool
}

type memSnapshot struct {
	seq int
}

type memoryStore struct {
	mu        sync.Mutex
	baseDir   string
	seq       int
	datasets  map[string]*memDataset
	snapshots map[string]*memSnapshot
}

// NewMemoryStore models datasets, snapshots and clone origins in process.
// Dataset contents are plain directories under baseDir, copied on snapshot
// and clone.
func NewMemoryStore(baseDir string) Store {
	return &memoryStore{
		baseDir:   baseDir,
		datasets:  make(map[string]*memDataset),
		snapshots: make(map[string]*memSnapshot),
	}
}

func (m *memoryStore) dataDir(dataset string) string {
	return filepath.Join(m.baseDir, "datasets", filepath.FromSlash(dataset))
}

func (m *memoryStore) snapshotDir(snapshot string) string {
	return filepath.Join(m.baseDir, "snapshots", strings.Replace(filepath.FromSlash(snapshot), "@", string(filepath.Separator)+"@", 1))
}

func (m *memoryStore) CreateDataset(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.Contains(path, "@") || path == "" {
		return errors.Wrapf(ErrCommandFailed, "invalid dataset name %q", path)
	}
	if _, ok := m.datasets[path]; ok {
		return errors.Wrap(ErrAlreadyExists, path)
	}

	parts := strings.Split(path, "/")
	for i := 1; i <= len(parts); i++ {
		p := strings.Join(parts[:i], "/")
		if _, ok := m.datasets[p]; ok {
			continue
		}
		m.datasets[p] = &memDataset{props: make(map[string]string)}
	}
	return os.MkdirAll(m.dataDir(path), 0755)
}

func (m *memoryStore) Snapshot(ctx context.Context, dataset, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[dataset]; !ok {
		return "", errors.Wrap(ErrNotFound, dataset)
	}
	snapshot := dataset + "@" + name
	if _, ok := m.snapshots[snapshot]; ok {
		return "", errors.Wrap(ErrAlreadyExists, snapshot)
	}

	if err := m.copyDir(m.dataDir(dataset), m.snapshotDir(snapshot)); err != nil {
		return "", errors.Wrap(ErrCommandFailed, err.Error())
	}

	m.seq++
	m.snapshots[snapshot] = &memSnapshot{seq: m.seq}
	return snapshot, nil
}

func (m *memoryStore) Clone(ctx context.Context, snapshot, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[snapshot]; !ok {
		return errors.Wrap(ErrNotFound, snapshot)
	}
	if _, ok := m.datasets[target]; ok {
		return errors.Wrap(ErrAlreadyExists, target)
	}

	if err := m.copyDir(m.snapshotDir(snapshot), m.dataDir(target)); err != nil {
		return errors.Wrap(ErrCommandFailed, err.Error())
	}
	m.datasets[target] = &memDataset{origin: snapshot, props: make(map[string]string)}
	return nil
}

func (m *memoryStore) Promote(ctx context.Context, dataset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[dataset]
	if !ok {
		return errors.Wrap(ErrNotFound, dataset)
	}
	ds.origin = ""
	return nil
}

func (m *memoryStore) Destroy(ctx context.Context, path string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroy(path, force, 0)
}

// covered returns everything destroying path takes with it.
func (m *memoryStore) covered(path string) (datasets, snapshots []string) {
	if _, ok := m.snapshots[path]; ok {
		return nil, []string{path}
	}
	for name := range m.datasets {
		if name == path || strings.HasPrefix(name, path+"/") {
			datasets = append(datasets, name)
		}
	}
	inSet := make(map[string]bool, len(datasets))
	for _, d := range datasets {
		inSet[d] = true
	}
	for snap := range m.snapshots {
		if ds, _, _ := splitSnapshot(snap); inSet[ds] {
			snapshots = append(snapshots, snap)
		}
	}
	return datasets, snapshots
}

func (m *memoryStore) destroy(path string, force bool, depth int) error {
	_, isDataset := m.datasets[path]
	_, isSnapshot := m.snapshots[path]
	if !isDataset && !isSnapshot {
		return errors.Wrap(ErrNotFound, path)
	}
	if depth > len(m.datasets) {
		return errors.Wrapf(ErrCommandFailed, "clone chain under %s does not terminate", path)
	}

	datasets, snapshots := m.covered(path)
	doomed := make(map[string]bool, len(datasets))
	for _, d := range datasets {
		doomed[d] = true
	}
	covered := make(map[string]bool, len(snapshots))
	for _, s := range snapshots {
		covered[s] = true
	}

	var dependents []string
	for name, ds := range m.datasets {
		if !doomed[name] && covered[ds.origin] {
			dependents = append(dependents, name)
		}
	}
	if len(dependents) > 0 {
		if !force {
			sort.Strings(dependents)
			return errors.Wrapf(ErrDependentClones, "%s: %s", path, strings.Join(dependents, ", "))
		}
		for _, dep := range dependents {
			if _, ok := m.datasets[dep]; !ok {
				continue
			}
			if err := m.destroy(dep, true, depth+1); err != nil {
				return err
			}
		}
	}

	for _, s := range snapshots {
		delete(m.snapshots, s)
		os.RemoveAll(m.snapshotDir(s))
	}
	for _, d := range datasets {
		if ds := m.datasets[d]; ds.mounted && ds.mountpoint != "" {
			os.Remove(ds.mountpoint)
		}
		delete(m.datasets, d)
	}
	if isDataset {
		os.RemoveAll(m.dataDir(path))
	}
	return nil
}

func (m *memoryStore) Mount(ctx context.Context, dataset, mountpoint string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[dataset]
	if !ok {
		return "", errors.Wrap(ErrNotFound, dataset)
	}

	dir := m.dataDir(dataset)
	if mountpoint == "" || mountpoint == dir {
		ds.mounted, ds.mountpoint = true, dir
		return dir, nil
	}

	if ds.mounted && ds.mountpoint == mountpoint {
		return mountpoint, nil
	}
	if err := os.MkdirAll(filepath.Dir(mountpoint), 0755); err != nil {
		return "", errors.Wrap(ErrCommandFailed, err.Error())
	}
	os.Remove(mountpoint)
	if err := os.Symlink(dir, mountpoint); err != nil {
		return "", errors.Wrap(ErrCommandFailed, err.Error())
	}
	ds.mounted, ds.mountpoint = true, mountpoint
	return mountpoint, nil
}

func (m *memoryStore) Unmount(ctx context.Context, dataset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[dataset]
	if !ok {
		return errors.Wrap(ErrNotFound, dataset)
	}
	if ds.mounted && ds.mountpoint != m.dataDir(dataset) {
		os.Remove(ds.mountpoint)
	}
	ds.mounted = false
	return nil
}

func (m *memoryStore) MountPath(ctx context.Context, dataset string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[dataset]
	if !ok {
		return "", errors.Wrap(ErrNotFound, dataset)
	}
	if ds.mountpoint != "" {
		return ds.mountpoint, nil
	}
	return m.dataDir(dataset), nil
}

func (m *memoryStore) ListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[dataset]; !ok {
		return nil, errors.Wrap(ErrNotFound, dataset)
	}

	var out []string
	for snap := range m.snapshots {
		if ds, _, _ := splitSnapshot(snap); ds == dataset {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.snapshots[out[i]].seq < m.snapshots[out[j]].seq
	})
	return out, nil
}

func (m *memoryStore) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, isDataset := m.datasets[path]
	_, isSnapshot := m.snapshots[path]
	return isDataset || isSnapshot, nil
}

func (m *memoryStore) GetProperty(ctx context.Context, path, property string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[path]
	if !ok {
		if _, ok := m.snapshots[path]; ok {
			return "-", nil
		}
		return "", errors.Wrap(ErrNotFound, path)
	}

	switch property {
	case "origin":
		if ds.origin == "" {
			return "-", nil
		}
		return ds.origin, nil
	case "mounted":
		if ds.mounted {
			return "yes", nil
		}
		return "no", nil
	case "mountpoint":
		if ds.mountpoint == "" {
			return "none", nil
		}
		return ds.mountpoint, nil
	case "used":
		return strconv.FormatUint(dirSize(m.dataDir(path)), 10), nil
	}
	if v, ok := ds.props[property]; ok {
		return v, nil
	}
	return "-", nil
}

func (m *memoryStore) SetProperty(ctx context.Context, path, property, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[path]
	if !ok {
		return errors.Wrap(ErrNotFound, path)
	}
	ds.props[property] = value
	return nil
}

func (m *memoryStore) UsedSpace(ctx context.Context, dataset string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[dataset]; !ok {
		return 0, errors.Wrap(ErrNotFound, dataset)
	}
	return dirSize(m.dataDir(dataset)), nil
}

func (m *memoryStore) Rename(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[from]; !ok {
		return errors.Wrap(ErrNotFound, from)
	}
	if _, ok := m.datasets[to]; ok {
		return errors.Wrap(ErrAlreadyExists, to)
	}

	rename := func(name string) (string, bool) {
		if name == from || strings.HasPrefix(name, from+"/") || strings.HasPrefix(name, from+"@") {
			return to + strings.TrimPrefix(name, from), true
		}
		return name, false
	}

	if err := os.MkdirAll(filepath.Dir(m.dataDir(to)), 0755); err != nil {
		return errors.Wrap(ErrCommandFailed, err.Error())
	}
	if err := os.Rename(m.dataDir(from), m.dataDir(to)); err != nil {
		return errors.Wrap(ErrCommandFailed, err.Error())
	}

	datasets := make(map[string]*memDataset, len(m.datasets))
	for name, ds := range m.datasets {
		if origin, ok := rename(ds.origin); ok {
			ds.origin = origin
		}
		renamed, _ := rename(name)
		datasets[renamed] = ds
	}
	m.datasets = datasets

	snapshots := make(map[string]*memSnapshot, len(m.snapshots))
	for name, snap := range m.snapshots {
		renamed, ok := rename(name)
		if ok {
			os.MkdirAll(filepath.Dir(m.snapshotDir(renamed)), 0755)
			os.Rename(m.snapshotDir(name), m.snapshotDir(renamed))
		}
		snapshots[renamed] = snap
	}
	m.snapshots = snapshots
	return nil
}

func (m *memoryStore) copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return helpers.CopyTree(src, dst, dst)
}

func dirSize(dir string) uint64 {
	var total uint64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
