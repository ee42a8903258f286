package network

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Strum355/log"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
)

const (
	NATAnchor     = "kawakaze"
	ForwardAnchor = "kawakaze_forwarding"
)

// Forward redirects a host port to an address inside the subnet.
type Forward struct {
	HostPort      uint16 `json:"host_port"`
	Protocol      string `json:"protocol"`
	IP            string `json:"ip"`
	ContainerPort uint16 `json:"container_port"`
	Owner         string `json:"owner"`
}

type forwardKey struct {
	port  uint16
	proto string
}

type firewall struct {
	runner helpers.Runner

	mu       sync.Mutex
	forwards map[forwardKey]Forward
}

func newFirewall(runner helpers.Runner) *firewall {
	return &firewall{
		runner:   runner,
		forwards: make(map[forwardKey]Forward),
	}
}

func (f *firewall) load(ctx context.Context, anchor, rules string) error {
	if _, err := f.runner.RunWithInput(ctx, strings.NewReader(rules), "pfctl", "-a", anchor, "-f", "-"); err != nil {
		return errors.Wrapf(ErrFirewall, "anchor %s: %s", anchor, strings.TrimSpace(helpers.Stderr(err)))
	}
	return nil
}

func (f *firewall) enable(ctx context.Context) {
	if _, err := f.runner.Run(ctx, "pfctl", "-e"); err != nil && !strings.Contains(helpers.Stderr(err), "already enabled") {
		log.WithError(err).Error("failed to enable pf")
	}
}

func (f *firewall) loadNAT(ctx context.Context, egress, cidr string) error {
	rules := fmt.Sprintf("nat on %s from %s to any -> (%s)\n", egress, cidr, egress)
	return f.load(ctx, NATAnchor, rules)
}

// add installs forwards for owner. Nothing is installed if any of them
// collides with an active forward of a different owner.
func (f *firewall) add(ctx context.Context, egress string, forwards []Forward) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, fw := range forwards {
		key := forwardKey{fw.HostPort, fw.Protocol}
		if existing, ok := f.forwards[key]; ok && existing.Owner != fw.Owner {
			return errors.Wrapf(ErrPortConflict, "%d/%s held by %s", fw.HostPort, fw.Protocol, existing.Owner)
		}
	}

	previous := make(map[forwardKey]Forward, len(f.forwards))
	for k, v := range f.forwards {
		previous[k] = v
	}
	for _, fw := range forwards {
		f.forwards[forwardKey{fw.HostPort, fw.Protocol}] = fw
	}

	if err := f.load(ctx, ForwardAnchor, renderForwards(egress, f.sorted())); err != nil {
		f.forwards = previous
		return err
	}
	return nil
}

// remove drops every forward of owner and reloads the remaining set.
func (f *firewall) remove(ctx context.Context, egress, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := false
	for k, fw := range f.forwards {
		if fw.Owner == owner {
			delete(f.forwards, k)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return f.load(ctx, ForwardAnchor, renderForwards(egress, f.sorted()))
}

func (f *firewall) rules() []Forward {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted()
}

func (f *firewall) sorted() []Forward {
	out := make([]Forward, 0, len(f.forwards))
	for _, fw := range f.forwards {
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostPort != out[j].HostPort {
			return out[i].HostPort < out[j].HostPort
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

func renderForwards(egress string, forwards []Forward) string {
	var buf bytes.Buffer
	for _, fw := range forwards {
		fmt.Fprintf(&buf, "rdr pass on %s inet proto %s from any to any port %d -> %s port %d\n",
			egress, fw.Protocol, fw.HostPort, fw.IP, fw.ContainerPort)
	}
	return buf.String()
}
