package shutdown

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/soil-monitor/internal/config"
	"github.com/thatsimonsguy/soil-monitor/internal/env"
)

func TestShutdownRunsHooksInReverse(t *testing.T) {
	prevExit, prevCfg := ExitFunc, env.Cfg
	defer func() { ExitFunc, env.Cfg = prevExit, prevCfg }()

	env.Cfg = config.Default()
	code := -1
	ExitFunc = func(c int) { code = c }

	var order []string
	OnShutdown(func() { order = append(order, "first") })
	OnShutdown(func() { order = append(order, "second") })

	ShutdownWithError(errors.New("boom"), "test failure")

	assert.Equal(t, 1, code)
	assert.Equal(t, []string{"second", "first"}, order)

	// hooks run once
	order = nil
	Shutdown(0)
	assert.Equal(t, 0, code)
	assert.Empty(t, order)
}
