package app

import (
	"time"

	"rembot/internal/config"
	"rembot/internal/runtime/supervisor"
	"rembot/internal/transport/telegram/router"
)

// Aliases over the config, supervisor and router packages so app code
// reads as one vocabulary. The underlying packages stay usable on their
// own.

type (
	Config        = config.Config
	ConfigManager = config.ConfigManager

	Supervisor         = supervisor.Supervisor
	SupervisorRegistry = router.SupervisorRegistry

	Services       = router.Services
	CommandManager = router.CommandManager
)

var (
	NewConfigManager = config.NewConfigManager
	ValidateConfig   = config.Validate
	// SummarizeConfigChange keeps reload logging free of secrets; the diff
	// layer redacts while comparing.
	SummarizeConfigChange = config.SummarizeConfigChange

	NewSupervisor         = supervisor.New
	NewSupervisorRegistry = router.NewSupervisorRegistry
	WithLogger            = supervisor.WithLogger
	WithCancelOnError     = supervisor.WithCancelOnError

	NewCommandManager = router.NewCommandManager
	// Commands is the reminder command registry; the app installs it as-is.
	Commands = router.Commands
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}
