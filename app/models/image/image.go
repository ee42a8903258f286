package image

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateBuilding  State = "building"
	StateAvailable State = "available"
	StateDeleted   State = "deleted"
)

type Images []Image

type Image struct {
	ID string `json:"id"`

	// Human name, unique among images that hold one
	Name string `json:"name"`

	// Image this one was built FROM, empty for scratch builds
	ParentID string `json:"parent_id,omitempty"`

	// Dataset the image was built in
	Dataset string `json:"dataset"`

	// Full snapshot name, `<dataset>@<name>`. Immutable once available
	Snapshot string `json:"snapshot,omitempty"`

	Instructions []Instruction `json:"instructions"`

	Config Config `json:"config"`

	// Bytes used by the image dataset
	Size uint64 `json:"size_bytes"`

	State State `json:"state"`

	CreatedAt time.Time `json:"created_at"`
}

type Port struct {
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"`
}

func (p Port) String() string {
	return fmt.Sprintf("%d/%s", p.Port, p.Protocol)
}

// Config is the runtime configuration accumulated by a build.
type Config struct {
	Env          map[string]string `json:"env"`
	WorkDir      string            `json:"workdir,omitempty"`
	User         string            `json:"user,omitempty"`
	ExposedPorts []Port            `json:"exposed_ports"`
	Volumes      []string          `json:"volumes"`
	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Cmd          []string          `json:"cmd,omitempty"`
	Labels       map[string]string `json:"labels"`
	StopSignal   string            `json:"stop_signal,omitempty"`
	Shell        []string          `json:"shell,omitempty"`
}

func NewConfig() Config {
	return Config{
		Env:    make(map[string]string),
		Labels: make(map[string]string),
	}
}

func (c Config) Clone() Config {
	out := c
	out.Env = make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		out.Env[k] = v
	}
	out.Labels = make(map[string]string, len(c.Labels))
	for k, v := range c.Labels {
		out.Labels[k] = v
	}
	out.ExposedPorts = append([]Port(nil), c.ExposedPorts...)
	out.Volumes = append([]string(nil), c.Volumes...)
	out.Entrypoint = append([]string(nil), c.Entrypoint...)
	out.Cmd = append([]string(nil), c.Cmd...)
	out.Shell = append([]string(nil), c.Shell...)
	return out
}

// Argv is the main process command line: entrypoint followed by cmd.
func (c Config) Argv() []string {
	argv := append([]string(nil), c.Entrypoint...)
	return append(argv, c.Cmd...)
}

// EnvList renders Env as sorted KEY=value pairs.
func (c Config) EnvList() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

func New(name, parentID string) *Image {
	return &Image{
		ID:        uuid.New().String(),
		Name:      name,
		ParentID:  parentID,
		Config:    NewConfig(),
		State:     StateBuilding,
		CreatedAt: time.Now().UTC(),
	}
}

func (i *Image) Available() bool {
	return i.State == StateAvailable
}

// ShortID is the first 12 characters of the id without dashes.
func (i *Image) ShortID() string {
	return ShortID(i.ID)
}

func ShortID(id string) string {
	s := strings.Replace(id, "-", "", -1)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func (i *Image) Clone() *Image {
	out := *i
	out.Config = i.Config.Clone()
	out.Instructions = make([]Instruction, len(i.Instructions))
	for n, inst := range i.Instructions {
		out.Instructions[n] = inst.Clone()
	}
	return &out
}
