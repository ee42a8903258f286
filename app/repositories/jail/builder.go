package jail

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Spec is a complete jail definition, ready to be created.
type Spec struct {
	Name      string
	Path      string
	Hostname  string
	Interface string
	Params    map[string]string
}

// Args renders the definition as `jail -c` parameters.
func (s Spec) Args() []string {
	args := []string{
		"-c",
		"name=" + s.Name,
		"path=" + s.Path,
		"host.hostname=" + s.Hostname,
		"vnet",
		"vnet.interface=" + s.Interface,
	}

	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := s.Params[k]; v == "" {
			args = append(args, k)
		} else {
			args = append(args, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return append(args, "persist")
}

// Builder assembles a Spec. The interface is part of the constructor
// because it cannot be attached to the jail afterwards.
type Builder struct {
	spec Spec
}

func NewBuilder(name, path, iface string) *Builder {
	return &Builder{spec: Spec{
		Name:      name,
		Path:      path,
		Hostname:  name,
		Interface: iface,
		Params: map[string]string{
			"allow.raw_sockets": "",
			"mount.devfs":       "",
			"devfs_ruleset":     "4",
			"securelevel":       "2",
		},
	}}
}

func (b *Builder) Hostname(hostname string) *Builder {
	if hostname != "" {
		b.spec.Hostname = hostname
	}
	return b
}

func (b *Builder) Param(key, value string) *Builder {
	b.spec.Params[key] = value
	return b
}

func (b *Builder) Build() (Spec, error) {
	switch {
	case b.spec.Name == "":
		return Spec{}, errors.Wrap(ErrIncomplete, "name is required")
	case b.spec.Path == "":
		return Spec{}, errors.Wrap(ErrIncomplete, "path is required")
	case b.spec.Interface == "":
		return Spec{}, errors.Wrap(ErrIncomplete, "interface is required")
	}

	spec := b.spec
	spec.Params = make(map[string]string, len(b.spec.Params))
	for k, v := range b.spec.Params {
		spec.Params[k] = v
	}
	return spec, nil
}
