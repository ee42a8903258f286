package config

import (
	"encoding/json"
	"flag"
	"os"
	"strings"

	"github.com/Strum355/log"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Load reads flags, then the config file they point at, then the
// environment.
func Load() error {
	var (
		path  string
		debug bool
	)
	flag.StringVar(&path, "config", DefaultConfigFile, "path to the TOML config file")
	flag.BoolVar(&debug, "debug", false, "enables debug logging")
	flag.Parse()

	InitLogging()
	if err := LoadFile(path); err != nil {
		return err
	}
	if debug {
		viper.Set("log.debug", true)
	}
	InitLogging()
	return nil
}

// LoadFile sets defaults and merges path and the environment over them. A
// missing file is only an error when it is not the default one.
func LoadFile(path string) error {
	InitDefaults()

	viper.SetEnvPrefix("kawakaze")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && path == DefaultConfigFile {
		return nil
	}

	viper.SetConfigType("toml")
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config %s", path)
	}
	return nil
}

func PrintSettings() {
	// Print settings with secrets redacted
	settings := viper.AllSettings()
	if consul, ok := settings["consul"].(map[string]interface{}); ok {
		if token, _ := consul["token"].(string); token != "" {
			consul["token"] = "[redacted]"
		}
	}

	out, _ := json.MarshalIndent(settings, "", "\t")
	log.Debug("config:\n" + string(out))
}
