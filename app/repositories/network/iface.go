package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strum355/log"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
)

type interfaces struct {
	runner helpers.Runner
	bridge string
}

func (i *interfaces) exists(ctx context.Context, name string) bool {
	_, err := i.runner.Run(ctx, "ifconfig", name)
	return err == nil
}

// ensureBridge creates the bridge and assigns it the gateway address.
func (i *interfaces) ensureBridge(ctx context.Context, gatewayCIDR string) error {
	if !i.exists(ctx, i.bridge) {
		out, err := i.runner.Run(ctx, "ifconfig", "bridge", "create")
		if err != nil {
			return errors.Wrapf(ErrInterface, "bridge create: %s", helpers.Stderr(err))
		}
		created := strings.TrimSpace(string(out))
		if created != i.bridge {
			if _, err := i.runner.Run(ctx, "ifconfig", created, "name", i.bridge); err != nil {
				return errors.Wrapf(ErrInterface, "rename %s to %s: %s", created, i.bridge, helpers.Stderr(err))
			}
		}
		log.WithFields(log.Fields{
			"bridge": i.bridge,
		}).Info("created bridge")
	}

	if _, err := i.runner.Run(ctx, "ifconfig", i.bridge, "inet", gatewayCIDR, "up"); err != nil {
		return errors.Wrapf(ErrInterface, "configure %s: %s", i.bridge, helpers.Stderr(err))
	}
	return nil
}

// createPair creates an epair and attaches its host half to the bridge. The
// jail half is returned for binding at jail creation.
func (i *interfaces) createPair(ctx context.Context) (host, jail string, err error) {
	out, err := i.runner.Run(ctx, "ifconfig", "epair", "create")
	if err != nil {
		return "", "", errors.Wrapf(ErrInterface, "epair create: %s", helpers.Stderr(err))
	}

	host = strings.TrimSpace(string(out))
	if !strings.HasSuffix(host, "a") {
		return "", "", errors.Wrapf(ErrInterface, "unexpected epair name %q", host)
	}
	jail = strings.TrimSuffix(host, "a") + "b"

	if _, err := i.runner.Run(ctx, "ifconfig", i.bridge, "addm", host, "up"); err != nil {
		cmdErr := errors.Wrapf(ErrInterface, "add %s to %s: %s", host, i.bridge, helpers.Stderr(err))
		if _, destroyErr := i.runner.Run(ctx, "ifconfig", host, "destroy"); destroyErr != nil {
			log.WithError(destroyErr).WithFields(log.Fields{
				"interface": host,
			}).Error("failed to destroy epair after bridge error")
		}
		return "", "", cmdErr
	}
	if _, err := i.runner.Run(ctx, "ifconfig", host, "up"); err != nil {
		return "", "", errors.Wrapf(ErrInterface, "bring up %s: %s", host, helpers.Stderr(err))
	}
	return host, jail, nil
}

// destroyPair removes both halves; destroying one half of an epair takes
// the other with it.
func (i *interfaces) destroyPair(ctx context.Context, host string) error {
	if host == "" || !i.exists(ctx, host) {
		return nil
	}
	if _, err := i.runner.Run(ctx, "ifconfig", i.bridge, "deletem", host); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"interface": host,
			"bridge":    i.bridge,
		}).Debug("interface was not a bridge member")
	}
	if _, err := i.runner.Run(ctx, "ifconfig", host, "destroy"); err != nil {
		return errors.Wrapf(ErrInterface, "destroy %s: %s", host, helpers.Stderr(err))
	}
	return nil
}

// configureJail assigns the address and default route inside a running jail.
func (i *interfaces) configureJail(ctx context.Context, jailName, iface, cidr, gateway string) error {
	cmds := [][]string{
		{jailName, "ifconfig", "lo0", "inet", "127.0.0.1/8", "up"},
		{jailName, "ifconfig", iface, "inet", cidr, "up"},
		{jailName, "route", "add", "default", gateway},
	}
	for _, args := range cmds {
		if _, err := i.runner.Run(ctx, "jexec", args...); err != nil {
			return errors.Wrapf(ErrInterface, "%s in %s: %s", strings.Join(args[1:], " "), jailName, helpers.Stderr(err))
		}
	}
	return nil
}

func cidrString(ip string, prefix int) string {
	return fmt.Sprintf("%s/%d", ip, prefix)
}
