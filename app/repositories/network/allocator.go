package network

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/Strum355/log"
	"github.com/pkg/errors"
)

// AllocationStore persists the address table, keyed by address.
type AllocationStore interface {
	Load() (map[string]string, error)
	Save(allocations map[string]string) error
}

// MinPrefixLen bounds the pool to a /8.
const MinPrefixLen = 8

// Allocator hands out addresses from a subnet, lowest free first. Offset 0
// is the network address, offset 1 the gateway and the last offset the
// broadcast address; none of them are ever handed out.
type Allocator struct {
	mu      sync.Mutex
	subnet  *net.IPNet
	base    uint32
	size    uint32
	owners  map[uint32]string
	persist AllocationStore
}

func NewAllocator(cidr string, persist AllocationStore) (*Allocator, error) {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSubnet, err.Error())
	}
	ip4 := subnet.IP.To4()
	if ip4 == nil {
		return nil, errors.Wrapf(ErrInvalidSubnet, "%s is not an IPv4 subnet", cidr)
	}
	ones, bits := subnet.Mask.Size()
	if ones < MinPrefixLen {
		return nil, errors.Wrapf(ErrInvalidSubnet, "%s is larger than a /%d", cidr, MinPrefixLen)
	}
	if bits-ones < 2 {
		return nil, errors.Wrapf(ErrInvalidSubnet, "%s has no room for hosts", cidr)
	}

	a := &Allocator{
		subnet:  subnet,
		base:    binary.BigEndian.Uint32(ip4),
		size:    1 << uint(bits-ones),
		owners:  make(map[uint32]string),
		persist: persist,
	}

	if persist == nil {
		return a, nil
	}

	table, err := persist.Load()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load address allocations")
	}
	for addr, owner := range table {
		off, ok := a.offset(net.ParseIP(addr))
		if !ok || !a.allocatable(off) {
			log.WithFields(log.Fields{
				"ip":    addr,
				"owner": owner,
			}).Error("dropping persisted allocation outside the pool")
			continue
		}
		a.owners[off] = owner
	}
	return a, nil
}

func (a *Allocator) offset(ip net.IP) (uint32, bool) {
	ip4 := ip.To4()
	if ip4 == nil || !a.subnet.Contains(ip4) {
		return 0, false
	}
	return binary.BigEndian.Uint32(ip4) - a.base, true
}

func (a *Allocator) ip(off uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, a.base+off)
	return ip
}

func (a *Allocator) allocatable(off uint32) bool {
	return off > 1 && off < a.size-1
}

// Allocate assigns the lowest free address to owner.
func (a *Allocator) Allocate(owner string) (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for off := uint32(2); off < a.size-1; off++ {
		if _, taken := a.owners[off]; taken {
			continue
		}
		a.owners[off] = owner
		if err := a.save(); err != nil {
			delete(a.owners, off)
			return nil, err
		}
		return a.ip(off), nil
	}
	return nil, ErrPoolExhausted
}

func (a *Allocator) Release(ip net.IP) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	off, ok := a.offset(ip)
	if !ok {
		return errors.Wrap(ErrNotAllocated, ip.String())
	}
	owner, taken := a.owners[off]
	if !taken {
		return errors.Wrap(ErrNotAllocated, ip.String())
	}

	delete(a.owners, off)
	if err := a.save(); err != nil {
		a.owners[off] = owner
		return err
	}
	return nil
}

// Owner returns who holds ip, if anyone.
func (a *Allocator) Owner(ip net.IP) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	off, ok := a.offset(ip)
	if !ok {
		return "", false
	}
	owner, ok := a.owners[off]
	return owner, ok
}

func (a *Allocator) Gateway() net.IP {
	return a.ip(1)
}

func (a *Allocator) Subnet() *net.IPNet {
	return a.subnet
}

func (a *Allocator) PrefixLen() int {
	ones, _ := a.subnet.Mask.Size()
	return ones
}

func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}

// Capacity is the number of addresses the pool can hand out.
func (a *Allocator) Capacity() int {
	return int(a.size) - 3
}

func (a *Allocator) save() error {
	if a.persist == nil {
		return nil
	}
	table := make(map[string]string, len(a.owners))
	for off, owner := range a.owners {
		table[a.ip(off).String()] = owner
	}
	return errors.WithMessage(a.persist.Save(table), "failed to persist address allocations")
}
