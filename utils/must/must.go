package must

import (
	"os"

	"github.com/Strum355/log"
)

// Do exits the process when fn fails. Only for startup.
func Do(fn func() error) {
	if err := fn(); err != nil {
		log.WithError(err).Error("fatal error during startup")
		os.Exit(1)
	}
}
