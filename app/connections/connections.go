package connections

import (
	"context"
	"path/filepath"

	"github.com/Strum355/log"
	consul "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/repositories/network"
	"github.com/2a46m4/kawakaze/app/repositories/providers"
	"github.com/2a46m4/kawakaze/app/repositories/records"
	"github.com/2a46m4/kawakaze/app/repositories/volume"
)

type Connections struct {
	consul  *consul.Client
	kv      providers.KVProvider
	volumes volume.Store
}

var group Connections

// EstablishConnections reaches every backend the configured drivers need.
// An unreachable volume store or Consul agent aborts startup.
func EstablishConnections(ctx context.Context, runner helpers.Runner) error {
	if _, err := GetKV(ctx); err != nil {
		return err
	}
	if _, err := GetVolumes(ctx, runner); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"store":  viper.GetString("store.driver"),
		"volume": viper.GetString("volume.driver"),
	}).Info("connections established")
	return nil
}

func GetConsul() (*consul.Client, error) {
	if group.consul != nil {
		return group.consul, nil
	}

	config := consul.DefaultConfig()
	config.Address = viper.GetString("consul.host")
	config.Token = viper.GetString("consul.token")

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, NewConnectionError(err, "Consul")
	}

	group.consul = client

	return client, nil
}

// GetKV returns the key/value namespace records and allocations are kept
// in, per store.driver.
func GetKV(ctx context.Context) (providers.KVProvider, error) {
	if group.kv != nil {
		return group.kv, nil
	}

	var kv providers.KVProvider
	switch driver := viper.GetString("store.driver"); driver {
	case "consul":
		client, err := GetConsul()
		if err != nil {
			return nil, err
		}
		p := providers.NewConsulProvider(client, viper.GetString("consul.path"))
		if err := p.Ping(ctx); err != nil {
			return nil, NewConnectionError(err, "Consul")
		}
		kv = p
	case "file":
		p, err := providers.NewFileProvider(filepath.Join(viper.GetString("store.state_dir"), "state.json"))
		if err != nil {
			return nil, NewConnectionError(err, "state file")
		}
		kv = p
	case "memory":
		kv = providers.NewMemoryProvider()
	default:
		return nil, errors.Errorf("unknown store driver %q", driver)
	}

	group.kv = kv

	return kv, nil
}

func GetVolumes(ctx context.Context, runner helpers.Runner) (volume.Store, error) {
	if group.volumes != nil {
		return group.volumes, nil
	}

	var store volume.Store
	switch driver := viper.GetString("volume.driver"); driver {
	case "zfs":
		s, err := volume.NewZFSStore(ctx, runner, viper.GetString("zfs.pool"), Paths().Root, viper.GetString("zfs.mount_root"))
		if err != nil {
			return nil, NewConnectionError(err, "ZFS")
		}
		store = s
	case "memory":
		store = volume.NewMemoryStore(filepath.Join(viper.GetString("store.state_dir"), "volumes"))
	default:
		return nil, errors.Errorf("unknown volume driver %q", driver)
	}

	group.volumes = store

	return store, nil
}

// Paths is where images and containers live in the volume store.
func Paths() volume.Paths {
	return volume.Paths{Root: viper.GetString("zfs.pool") + "/" + viper.GetString("zfs.root")}
}

func GetRecords(ctx context.Context) (records.Store, error) {
	kv, err := GetKV(ctx)
	if err != nil {
		return nil, err
	}
	return records.NewKVStore(kv), nil
}

// GetAllocations returns where the address allocation table is persisted.
// With a file store it sits next to the records, otherwise under the same
// KV namespace.
func GetAllocations(ctx context.Context) (network.AllocationStore, error) {
	if viper.GetString("store.driver") == "file" {
		return network.NewFileStore(filepath.Join(viper.GetString("store.state_dir"), "allocations.json")), nil
	}
	kv, err := GetKV(ctx)
	if err != nil {
		return nil, err
	}
	return network.NewKVStore(kv), nil
}

// Reset forgets every established connection.
func Reset() {
	group = Connections{}
}
