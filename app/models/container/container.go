package container

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrInvalidFormat = errors.New("container name bad format")
	ErrNameTooLong   = errors.New("container name too long")
	ErrInvalidPort   = errors.New("invalid port mapping")
	ErrInvalidMount  = errors.New("invalid mount")
)

var containerName = regexp.MustCompile(`^[A-Za-z]([A-Za-z0-9\-_.]*[A-Za-z0-9])?$`)

type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StatePaused   State = "paused"
	StateRemoving State = "removing"
)

type RestartPolicy string

const (
	RestartNo        RestartPolicy = "no"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartOnRestart RestartPolicy = "on-restart"
	RestartAlways    RestartPolicy = "always"
)

func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch p := RestartPolicy(strings.ToLower(s)); p {
	case "":
		return RestartNo, nil
	case RestartNo, RestartOnFailure, RestartOnRestart, RestartAlways:
		return p, nil
	}
	return "", fmt.Errorf("unknown restart policy %q", s)
}

type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(s)); p {
	case "":
		return TCP, nil
	case TCP, UDP:
		return p, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

type MountType string

const (
	MountNullfs MountType = "nullfs"
	MountZFS    MountType = "zfs"
)

type Containers []Container

type Container struct {
	ID string `json:"id"`

	// Human name, unique among live containers. Generated when not given
	Name string `json:"name"`

	ImageID string `json:"image_id"`

	// Name of the jail backing the container, unique among live containers
	JailName string `json:"jail_name"`

	// Promoted clone of the image snapshot holding the container root
	Dataset string `json:"dataset"`

	State State `json:"state"`

	RestartPolicy RestartPolicy `json:"restart_policy"`

	// Specifies the file/directory mappings from the host into the container
	Mounts []Mount `json:"mounts"`

	// The mapping between ports within the container and ports on the host
	// Only mapped ports will be accessible outside the host
	Ports []PortMapping `json:"ports"`

	// Address inside the subnet, empty until allocated
	IP string `json:"ip,omitempty"`

	Network *Network `json:"network,omitempty"`

	// Exit code of the last main process run, nil if it never exited
	ExitCode *int `json:"exit_code,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Network records the interface binding fixed at creation time.
type Network struct {
	IP            string `json:"ip"`
	PrefixLen     int    `json:"prefix_len"`
	Gateway       string `json:"gateway"`
	Bridge        string `json:"bridge"`
	HostInterface string `json:"host_interface"`
	JailInterface string `json:"jail_interface"`
}

type PortMapping struct {
	// The host port to map to the container port
	HostPort uint16 `json:"host_port"`

	// Port within the container to map to a host port
	ContainerPort uint16 `json:"container_port"`

	Protocol Protocol `json:"protocol"`
}

type Mount struct {
	// Host directory for nullfs mounts, dataset name for zfs mounts
	Source string `json:"source"`

	// Path inside the container
	Destination string `json:"destination"`

	Type MountType `json:"type"`

	ReadOnly bool `json:"read_only"`
}

// New returns a container in the created state with fresh identifiers.
func New(imageID, name string) *Container {
	id := uuid.New().String()
	short := strings.Replace(id, "-", "", -1)[:12]
	if name == "" {
		name = "cell-" + short[:8]
	}
	return &Container{
		ID:            id,
		Name:          name,
		ImageID:       imageID,
		JailName:      "kawakaze_" + short,
		State:         StateCreated,
		RestartPolicy: RestartNo,
		CreatedAt:     time.Now().UTC(),
	}
}

func ValidateName(name string) error {
	if len(name) > 63 {
		return ErrNameTooLong
	}
	if !containerName.MatchString(name) {
		return ErrInvalidFormat
	}
	return nil
}

// Normalize fills defaults and validates ports and mounts in place.
func Normalize(ports []PortMapping, mounts []Mount) error {
	seen := make(map[string]bool)
	for i := range ports {
		p := &ports[i]
		proto, err := ParseProtocol(string(p.Protocol))
		if err != nil {
			return errors.Wrap(ErrInvalidPort, err.Error())
		}
		p.Protocol = proto
		if p.HostPort == 0 || p.ContainerPort == 0 {
			return errors.Wrapf(ErrInvalidPort, "ports must be non-zero: %d:%d", p.HostPort, p.ContainerPort)
		}
		key := fmt.Sprintf("%d/%s", p.HostPort, p.Protocol)
		if seen[key] {
			return errors.Wrapf(ErrInvalidPort, "host port %s mapped twice", key)
		}
		seen[key] = true
	}

	for i := range mounts {
		m := &mounts[i]
		switch m.Type {
		case "":
			m.Type = MountNullfs
		case MountNullfs, MountZFS:
		default:
			return errors.Wrapf(ErrInvalidMount, "unknown mount type %q", m.Type)
		}
		if m.Source == "" {
			return errors.Wrap(ErrInvalidMount, "mount source is required")
		}
		if !strings.HasPrefix(m.Destination, "/") {
			return errors.Wrapf(ErrInvalidMount, "mount destination %q must be absolute", m.Destination)
		}
		if m.Type == MountNullfs && !strings.HasPrefix(m.Source, "/") {
			return errors.Wrapf(ErrInvalidMount, "nullfs source %q must be absolute", m.Source)
		}
	}
	return nil
}

func (c *Container) Clone() *Container {
	out := *c
	out.Mounts = append([]Mount(nil), c.Mounts...)
	out.Ports = append([]PortMapping(nil), c.Ports...)
	if c.Network != nil {
		n := *c.Network
		out.Network = &n
	}
	if c.ExitCode != nil {
		code := *c.ExitCode
		out.ExitCode = &code
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	return &out
}
