package network

import (
	"context"
	"net"
	"strings"

	"github.com/Strum355/log"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/metrics"
)

type Config struct {
	Bridge string
	// Egress is detected from the default route when empty
	Egress string
	NAT    bool
}

// Allocation is the network identity of one container: its address and the
// epair bound into its jail.
type Allocation struct {
	Owner         string `json:"owner"`
	IP            string `json:"ip"`
	PrefixLen     int    `json:"prefix_len"`
	Gateway       string `json:"gateway"`
	Bridge        string `json:"bridge"`
	HostInterface string `json:"host_interface"`
	JailInterface string `json:"jail_interface"`
}

type Manager struct {
	runner helpers.Runner
	cfg    Config
	alloc  *Allocator
	ifaces *interfaces
	fw     *firewall
	egress string
}

func NewManager(runner helpers.Runner, alloc *Allocator, cfg Config) *Manager {
	metrics.AddressesAllocated.Set(float64(alloc.Allocated()))
	return &Manager{
		runner: runner,
		cfg:    cfg,
		alloc:  alloc,
		ifaces: &interfaces{runner: runner, bridge: cfg.Bridge},
		fw:     newFirewall(runner),
		egress: cfg.Egress,
	}
}

// Start prepares the host: IP forwarding, the bridge holding the gateway
// address, the NAT anchor and an empty forwarding anchor.
func (m *Manager) Start(ctx context.Context) error {
	if m.egress == "" {
		egress, err := m.detectEgress(ctx)
		if err != nil {
			return err
		}
		m.egress = egress
	}

	if _, err := m.runner.Run(ctx, "sysctl", "net.inet.ip.forwarding=1"); err != nil {
		log.WithError(err).Error("failed to enable IP forwarding, containers will not reach outside the host")
	}

	if err := m.ifaces.ensureBridge(ctx, cidrString(m.alloc.Gateway().String(), m.alloc.PrefixLen())); err != nil {
		return err
	}

	if m.cfg.NAT {
		m.fw.enable(ctx)
		if err := m.fw.loadNAT(ctx, m.egress, m.alloc.Subnet().String()); err != nil {
			return err
		}
	}

	if err := m.fw.load(ctx, ForwardAnchor, ""); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"bridge":  m.cfg.Bridge,
		"egress":  m.egress,
		"subnet":  m.alloc.Subnet().String(),
		"gateway": m.alloc.Gateway().String(),
	}).Info("network ready")
	return nil
}

func (m *Manager) detectEgress(ctx context.Context) (string, error) {
	out, err := m.runner.Run(ctx, "route", "-n", "get", "-inet", "default")
	if err != nil {
		return "", errors.Wrap(ErrNoEgress, helpers.Stderr(err))
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "interface:" {
			return fields[1], nil
		}
	}
	return "", ErrNoEgress
}

// Provision allocates an address and an epair for owner.
func (m *Manager) Provision(ctx context.Context, owner string) (*Allocation, error) {
	ip, err := m.alloc.Allocate(owner)
	if err != nil {
		return nil, err
	}

	host, jail, err := m.ifaces.createPair(ctx)
	if err != nil {
		return nil, multierr.Combine(err, m.alloc.Release(ip))
	}
	metrics.AddressesAllocated.Set(float64(m.alloc.Allocated()))

	log.WithFields(log.Fields{
		"owner":     owner,
		"ip":        ip.String(),
		"interface": jail,
	}).Debug("network provisioned")

	return &Allocation{
		Owner:         owner,
		IP:            ip.String(),
		PrefixLen:     m.alloc.PrefixLen(),
		Gateway:       m.alloc.Gateway().String(),
		Bridge:        m.cfg.Bridge,
		HostInterface: host,
		JailInterface: jail,
	}, nil
}

// EnsurePair recreates the epair of a when it no longer exists on the host,
// keeping the address. It reports whether the interface names changed.
func (m *Manager) EnsurePair(ctx context.Context, a *Allocation) (bool, error) {
	if a.HostInterface != "" && m.ifaces.exists(ctx, a.HostInterface) {
		return false, nil
	}

	host, jail, err := m.ifaces.createPair(ctx)
	if err != nil {
		return false, err
	}
	log.WithFields(log.Fields{
		"owner": a.Owner,
		"old":   a.JailInterface,
		"new":   jail,
	}).Info("recreated missing epair")

	a.HostInterface, a.JailInterface = host, jail
	return true, nil
}

func (m *Manager) ConfigureJail(ctx context.Context, jailName string, a *Allocation) error {
	return m.ifaces.configureJail(ctx, jailName, a.JailInterface, cidrString(a.IP, a.PrefixLen), a.Gateway)
}

// Release returns everything Provision handed out.
func (m *Manager) Release(ctx context.Context, a *Allocation) error {
	if a == nil {
		return nil
	}

	err := multierr.Combine(
		m.fw.remove(ctx, m.egress, a.Owner),
		m.ifaces.destroyPair(ctx, a.HostInterface),
	)
	if releaseErr := m.alloc.Release(net.ParseIP(a.IP)); releaseErr != nil && !errors.Is(releaseErr, ErrNotAllocated) {
		err = multierr.Append(err, releaseErr)
	}
	metrics.AddressesAllocated.Set(float64(m.alloc.Allocated()))
	return err
}

// Forward installs port forwards for owner, replacing the anchor's rule set.
func (m *Manager) Forward(ctx context.Context, forwards []Forward) error {
	if len(forwards) == 0 {
		return nil
	}
	return m.fw.add(ctx, m.egress, forwards)
}

func (m *Manager) Unforward(ctx context.Context, owner string) error {
	return m.fw.remove(ctx, m.egress, owner)
}

// Rules lists the active port forwards.
func (m *Manager) Rules() []Forward {
	return m.fw.rules()
}

func (m *Manager) Gateway() net.IP {
	return m.alloc.Gateway()
}

func (m *Manager) Subnet() *net.IPNet {
	return m.alloc.Subnet()
}

// Owns reports whether ip is currently allocated to owner.
func (m *Manager) Owns(ip, owner string) bool {
	got, ok := m.alloc.Owner(net.ParseIP(ip))
	return ok && got == owner
}
