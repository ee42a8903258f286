package bootstrap

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/Strum355/log"
)

func TestMain(m *testing.M) {
	log.InitSimpleLogger(&log.Config{
		LogLevel: log.LogDebug,
		Output:   ioutil.Discard,
	})
	os.Exit(m.Run())
}
