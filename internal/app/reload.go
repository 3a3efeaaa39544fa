package app

import (
	"log/slog"

	"github.com/MrWong99/airea/internal/config"
)

// SlogLevel maps a config log level to slog. Unknown levels map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OnConfigChange returns a [config.Watcher] callback that applies log level
// changes to lv and reports every other change as requiring a restart.
func OnConfigChange(lv *slog.LevelVar, logger *slog.Logger) func(old, new *config.Config) {
	return func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			lv.Set(SlogLevel(d.NewLogLevel))
			logger.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			logger.Warn("configuration changes need a restart to take effect", "sections", d.RestartRequired)
		}
	}
}
