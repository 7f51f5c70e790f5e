package router

import (
	"rembot/internal/config"
	"rembot/internal/runtime/supervisor"
)

// Aliases so handlers and the registry speak one vocabulary without every
// file importing the config and supervisor packages.

type Config = config.Config

type ConfigManager = config.ConfigManager

type Supervisor = supervisor.Supervisor
