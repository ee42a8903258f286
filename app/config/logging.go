package config

import (
	"os"

	"github.com/Strum355/log"
	"github.com/spf13/viper"
)

// InitLogging sets up the logger from log.debug and log.format. It must run
// before anything logs.
func InitLogging() {
	conf := &log.Config{
		LogLevel:  log.LogInformational,
		Output:    os.Stdout,
		UseStdErr: true,
	}
	if viper.GetBool("log.debug") {
		conf.LogLevel = log.LogDebug
	}

	if viper.GetString("log.format") == "json" {
		log.InitJSONLogger(conf)
		return
	}
	log.InitSimpleLogger(conf)
}
