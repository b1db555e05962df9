package common

import (
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the resolved settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Trellis", GetVersion())

	logger.Info().
		Str("environment", config.Environment).
		Str("queue_backend", config.Queue.Backend).
		Str("storage_path", config.Storage.Badger.Path).
		Str("source_dir", config.Jobs.SourceDir).
		Bool("multi_tenant", config.Jobs.MultiTenant).
		Str("kafka_brokers", strings.Join(config.Events.KafkaBrokers, ",")).
		Msg("Configuration")
}
