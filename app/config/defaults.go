package config

import (
	"time"

	"github.com/spf13/viper"
)

const DefaultConfigFile = "/usr/local/etc/kawakaze.toml"

func InitDefaults() {
	// ZFS settings
	viper.SetDefault("volume.driver", "zfs") // zfs or memory
	viper.SetDefault("zfs.pool", "zroot")
	viper.SetDefault("zfs.root", "kawakaze") // dataset under the pool holding images and containers
	viper.SetDefault("zfs.mount_root", "/usr/local/kawakaze")

	// Network settings
	viper.SetDefault("network.cidr", "10.11.0.0/16")
	viper.SetDefault("network.bridge", "kawakaze0")
	viper.SetDefault("network.egress", "") // detected from the default route when empty
	viper.SetDefault("network.nat", true)

	// Record store settings
	viper.SetDefault("store.driver", "file") // file, consul or memory
	viper.SetDefault("store.state_dir", "/var/db/kawakaze")

	// Consul settings
	viper.SetDefault("consul.host", "127.0.0.1:8500")
	viper.SetDefault("consul.token", "") // ACL token
	viper.SetDefault("consul.path", "kawakaze")
	viper.SetDefault("consul.register", false)

	viper.SetDefault("socket.path", "/var/run/kawakaze.sock")
	viper.SetDefault("cache.path", "/var/cache/kawakaze")
	viper.SetDefault("build.context_root", "")
	viper.SetDefault("bootstrap.mirror", "https://download.freebsd.org/releases")

	// Container supervision
	viper.SetDefault("cell.stop_timeout", 10*time.Second)
	viper.SetDefault("cell.restart_initial", time.Second)
	viper.SetDefault("cell.restart_max", 5*time.Minute)
	viper.SetDefault("cell.restart_reset", 10*time.Minute)

	viper.SetDefault("metrics.address", "") // disabled when empty
	viper.SetDefault("log.debug", false)
	viper.SetDefault("log.format", "simple")
}
