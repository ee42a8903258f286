package network

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/helpers/helperstest"
	"github.com/2a46m4/kawakaze/app/repositories/providers"
)

func TestAllocatorRoundTripAndExhaustion(t *testing.T) {
	// a /29 leaves five host addresses once network, gateway and broadcast
	// are excluded
	a, err := NewAllocator("10.11.0.0/29", nil)
	require.NoError(t, err)
	require.Equal(t, 5, a.Capacity())
	assert.Equal(t, "10.11.0.1", a.Gateway().String())

	var ips []net.IP
	for i := 0; i < a.Capacity(); i++ {
		ip, err := a.Allocate(fmt.Sprintf("cell-%d", i))
		require.NoError(t, err)
		assert.True(t, a.Subnet().Contains(ip))
		assert.False(t, ip.Equal(a.Gateway()))
		ips = append(ips, ip)
	}
	assert.Equal(t, "10.11.0.2", ips[0].String())
	assert.Equal(t, "10.11.0.6", ips[4].String())

	_, err = a.Allocate("one-too-many")
	assert.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, a.Release(ips[2]))
	again, err := a.Allocate("reuse")
	require.NoError(t, err)
	assert.True(t, again.Equal(ips[2]))

	assert.ErrorIs(t, a.Release(net.ParseIP("10.12.0.5")), ErrNotAllocated)
}

func TestAllocatorUniqueUnderConcurrency(t *testing.T) {
	a, err := NewAllocator("10.11.0.0/24", nil)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip, err := a.Allocate(fmt.Sprint(i))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[ip.String()], ip.String())
			seen[ip.String()] = true
		}(i)
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestAllocatorPersistence(t *testing.T) {
	stores := map[string]func(t *testing.T) AllocationStore{
		"file": func(t *testing.T) AllocationStore {
			return NewFileStore(filepath.Join(t.TempDir(), "state", "ip_allocations.json"))
		},
		"kv": func(t *testing.T) AllocationStore {
			return NewKVStore(providers.NewMemoryProvider())
		},
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			store := mk(t)
			a, err := NewAllocator("10.11.0.0/16", store)
			require.NoError(t, err)

			first, err := a.Allocate("a")
			require.NoError(t, err)
			second, err := a.Allocate("b")
			require.NoError(t, err)
			require.NoError(t, a.Release(first))

			reloaded, err := NewAllocator("10.11.0.0/16", store)
			require.NoError(t, err)
			assert.Equal(t, 1, reloaded.Allocated())
			owner, ok := reloaded.Owner(second)
			require.True(t, ok)
			assert.Equal(t, "b", owner)

			next, err := reloaded.Allocate("c")
			require.NoError(t, err)
			assert.True(t, next.Equal(first))
		})
	}
}

func TestNewAllocatorRejectsBadSubnets(t *testing.T) {
	for _, cidr := range []string{"not-a-cidr", "fd00::/64", "10.0.0.0/31", "0.0.0.0/0", "0.0.0.0/1", "10.0.0.0/7"} {
		_, err := NewAllocator(cidr, nil)
		assert.ErrorIs(t, err, ErrInvalidSubnet, cidr)
	}
}

func TestLargestPoolHasNoWraparound(t *testing.T) {
	a, err := NewAllocator("10.0.0.0/8", nil)
	require.NoError(t, err)
	assert.Equal(t, 1<<24-3, a.Capacity())

	ip, err := a.Allocate("c1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", ip.String())

	_, ok := a.Owner(net.ParseIP("10.255.255.255"))
	assert.False(t, ok)
	assert.ErrorIs(t, a.Release(net.ParseIP("11.0.0.1")), ErrNotAllocated)
}

func epairRunner() *helperstest.Runner {
	var (
		mu sync.Mutex
		n  int
	)
	return helperstest.NewRunner().
		Output("route -n get -inet default", "   route to: default\ndestination: default\n  interface: vtnet0\n").
		On("ifconfig epair create", func(helperstest.Call) ([]byte, error) {
			mu.Lock()
			defer mu.Unlock()
			out := fmt.Sprintf("epair%da\n", n)
			n++
			return []byte(out), nil
		})
}

func newTestManager(t *testing.T, runner *helperstest.Runner) *Manager {
	t.Helper()
	alloc, err := NewAllocator("10.11.0.0/16", nil)
	require.NoError(t, err)
	m := NewManager(runner, alloc, Config{Bridge: "kawakaze0", NAT: true})
	require.NoError(t, m.Start(context.Background()))
	return m
}

func TestManagerStart(t *testing.T) {
	runner := epairRunner()
	newTestManager(t, runner)

	assert.Equal(t, []string{"sysctl net.inet.ip.forwarding=1"}, runner.Lines("sysctl"))
	assert.Equal(t, []string{"ifconfig kawakaze0 inet 10.11.0.1/16 up"}, runner.Lines("ifconfig kawakaze0 inet"))
	assert.Equal(t, "nat on vtnet0 from 10.11.0.0/16 to any -> (vtnet0)\n", runner.LastInput("pfctl -a kawakaze -f -"))
	assert.Equal(t, "", runner.LastInput("pfctl -a kawakaze_forwarding -f -"))
}

func TestManagerCreatesMissingBridge(t *testing.T) {
	runner := epairRunner().
		Fail("ifconfig kawakaze0", "ifconfig: interface kawakaze0 does not exist").
		Output("ifconfig bridge create", "bridge3\n")
	runner.On("ifconfig kawakaze0 inet", func(helperstest.Call) ([]byte, error) { return nil, nil })

	alloc, err := NewAllocator("10.11.0.0/16", nil)
	require.NoError(t, err)
	m := NewManager(runner, alloc, Config{Bridge: "kawakaze0", Egress: "em0"})
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, []string{"ifconfig bridge3 name kawakaze0"}, runner.Lines("ifconfig bridge3"))
	assert.Empty(t, runner.Lines("route"))
	assert.Empty(t, runner.Lines("pfctl -a kawakaze -f"))
}

func TestManagerProvisionAndRelease(t *testing.T) {
	ctx := context.Background()
	runner := epairRunner()
	m := newTestManager(t, runner)

	a, err := m.Provision(ctx, "cell-a")
	require.NoError(t, err)
	assert.Equal(t, "10.11.0.2", a.IP)
	assert.Equal(t, "10.11.0.1", a.Gateway)
	assert.Equal(t, "epair0a", a.HostInterface)
	assert.Equal(t, "epair0b", a.JailInterface)
	assert.Equal(t, []string{"ifconfig kawakaze0 addm epair0a up"}, runner.Lines("ifconfig kawakaze0 addm"))

	require.NoError(t, m.ConfigureJail(ctx, "kawakaze_abc", a))
	assert.Equal(t, []string{
		"jexec kawakaze_abc ifconfig lo0 inet 127.0.0.1/8 up",
		"jexec kawakaze_abc ifconfig epair0b inet 10.11.0.2/16 up",
		"jexec kawakaze_abc route add default 10.11.0.1",
	}, runner.Lines("jexec"))

	require.NoError(t, m.Release(ctx, a))
	assert.Equal(t, []string{"ifconfig epair0a destroy"}, runner.Lines("ifconfig epair0a destroy"))
	assert.False(t, m.Owns(a.IP, "cell-a"))
}

func TestManagerProvisionRollsBackAddress(t *testing.T) {
	ctx := context.Background()
	runner := epairRunner()
	m := newTestManager(t, runner)
	runner.Fail("ifconfig kawakaze0 addm", "ifconfig: BRDGADD epair0a: File exists")

	_, err := m.Provision(ctx, "cell-a")
	assert.ErrorIs(t, err, ErrInterface)
	assert.False(t, m.Owns("10.11.0.2", "cell-a"))
	assert.Equal(t, []string{"ifconfig epair0a destroy"}, runner.Lines("ifconfig epair0a destroy"))
}

func TestForwardingRules(t *testing.T) {
	ctx := context.Background()
	runner := epairRunner()
	m := newTestManager(t, runner)

	require.NoError(t, m.Forward(ctx, []Forward{
		{HostPort: 8080, Protocol: "tcp", IP: "10.11.0.2", ContainerPort: 80, Owner: "a"},
	}))
	require.NoError(t, m.Forward(ctx, []Forward{
		{HostPort: 5353, Protocol: "udp", IP: "10.11.0.3", ContainerPort: 53, Owner: "b"},
	}))

	rules := runner.LastInput("pfctl -a kawakaze_forwarding -f -")
	assert.Equal(t,
		"rdr pass on vtnet0 inet proto udp from any to any port 5353 -> 10.11.0.3 port 53\n"+
			"rdr pass on vtnet0 inet proto tcp from any to any port 8080 -> 10.11.0.2 port 80\n",
		rules)

	err := m.Forward(ctx, []Forward{
		{HostPort: 8080, Protocol: "tcp", IP: "10.11.0.3", ContainerPort: 8080, Owner: "b"},
	})
	assert.ErrorIs(t, err, ErrPortConflict)

	// same port on the other protocol is a different mapping
	require.NoError(t, m.Forward(ctx, []Forward{
		{HostPort: 8080, Protocol: "udp", IP: "10.11.0.3", ContainerPort: 8080, Owner: "b"},
	}))

	require.NoError(t, m.Unforward(ctx, "b"))
	assert.Equal(t, []Forward{{HostPort: 8080, Protocol: "tcp", IP: "10.11.0.2", ContainerPort: 80, Owner: "a"}}, m.Rules())
	assert.Equal(t,
		"rdr pass on vtnet0 inet proto tcp from any to any port 8080 -> 10.11.0.2 port 80\n",
		runner.LastInput("pfctl -a kawakaze_forwarding -f -"))
}

func TestForwardingFailureKeepsPreviousRules(t *testing.T) {
	ctx := context.Background()
	runner := epairRunner()
	m := newTestManager(t, runner)

	require.NoError(t, m.Forward(ctx, []Forward{{HostPort: 80, Protocol: "tcp", IP: "10.11.0.2", ContainerPort: 80, Owner: "a"}}))
	runner.On("pfctl -a kawakaze_forwarding", func(c helperstest.Call) ([]byte, error) {
		if strings.Contains(c.Input, "port 443") {
			return nil, &helpers.CommandError{Name: c.Name, Args: c.Args, ExitCode: 1, Stderr: "pfctl: syntax error"}
		}
		return nil, nil
	})

	err := m.Forward(ctx, []Forward{{HostPort: 443, Protocol: "tcp", IP: "10.11.0.3", ContainerPort: 443, Owner: "b"}})
	assert.ErrorIs(t, err, ErrFirewall)
	assert.Equal(t, []Forward{{HostPort: 80, Protocol: "tcp", IP: "10.11.0.2", ContainerPort: 80, Owner: "a"}}, m.Rules())
}

func TestEnsurePairRecreatesMissingInterface(t *testing.T) {
	ctx := context.Background()
	runner := epairRunner()
	m := newTestManager(t, runner)

	a, err := m.Provision(ctx, "cell-a")
	require.NoError(t, err)

	changed, err := m.EnsurePair(ctx, a)
	require.NoError(t, err)
	assert.False(t, changed)

	runner.Fail("ifconfig epair0a", "ifconfig: interface epair0a does not exist")
	changed, err = m.EnsurePair(ctx, a)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "epair1b", a.JailInterface)
	assert.Equal(t, "10.11.0.2", a.IP)
}
