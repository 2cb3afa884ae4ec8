package env

import (
	"github.com/thatsimonsguy/soil-monitor/internal/config"
)

var (
	Cfg *config.Config
	// BootID identifies this run in logs and metric tags.
	BootID string
)
