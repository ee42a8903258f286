package config

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/Strum355/log"
)

// discardLogs points the logger back at a sink after InitLogging moved it
// to stdout.
func discardLogs() {
	log.InitSimpleLogger(&log.Config{
		LogLevel: log.LogDebug,
		Output:   ioutil.Discard,
	})
}

func TestMain(m *testing.M) {
	discardLogs()
	os.Exit(m.Run())
}
