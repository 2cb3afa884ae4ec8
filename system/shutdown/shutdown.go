package shutdown

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/soil-monitor/internal/env"
	"github.com/thatsimonsguy/soil-monitor/internal/pinctrl"
)

var (
	ExitFunc = os.Exit

	mu    sync.Mutex
	hooks []func()
)

// OnShutdown registers fn to run before the process exits.
func OnShutdown(fn func()) {
	mu.Lock()
	defer mu.Unlock()
	hooks = append(hooks, fn)
}

// Shutdown drives the pump relay off and exits.
func Shutdown(code int) {
	mu.Lock()
	pending := hooks
	hooks = nil
	mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		pending[i]()
	}

	if env.Cfg != nil && !env.Cfg.SafeMode && env.Cfg.GPIOBackend == "pinctrl" {
		drive := "dh"
		if env.Cfg.PumpActiveHigh {
			drive = "dl"
		}
		if err := pinctrl.SetPin(*env.Cfg.GPIO.PumpRelay, "op", "pn", drive); err != nil {
			log.Error().Err(err).Msg("Failed to release pump relay")
		} else {
			log.Info().Msg("Pump relay deactivated")
		}
	}
	ExitFunc(code)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	Shutdown(1)
}
