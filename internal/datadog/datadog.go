package datadog

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/soil-monitor/internal/env"
)

var dogstatsd statsd.ClientInterface

func InitMetrics() {
	if !env.Cfg.Datadog.Enabled {
		log.Info().Msg("Datadog metrics disabled")
		return
	}

	client, err := statsd.New(env.Cfg.Datadog.AgentAddr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	client.Namespace = env.Cfg.Datadog.Namespace
	client.Tags = append(append([]string{}, env.Cfg.Datadog.Tags...), "boot:"+env.BootID)
	dogstatsd = client

	log.Info().
		Str("addr", env.Cfg.Datadog.AgentAddr).
		Str("namespace", env.Cfg.Datadog.Namespace).
		Strs("tags", client.Tags).
		Msg("Datadog metrics initialized")
}

// SetClient replaces the metrics client. A nil client disables emission.
func SetClient(c statsd.ClientInterface) {
	dogstatsd = c
}

func Gauge(name string, value float64, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Gauge(name, value, tags, 1)
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Count(name string, value int64, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Count(name, value, tags, 1)
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
		}
	}
}

func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
