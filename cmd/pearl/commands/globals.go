package commands

import (
	"runtime"
	"runtime/debug"

	"github.com/pearlops/pearld/internal/config"
)

// Global CLI flags.
var (
	// DaemonAddr is the pearld API address. Empty means resolve from config.
	DaemonAddr string

	// ConfigPath is the config file path. Empty means the default location.
	ConfigPath string
)

// GetConfigPath returns the config path from the flag or the default.
func GetConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.DefaultConfigPath()
}

// GetDaemonAddr resolves the pearld address from flag, config, or default.
func GetDaemonAddr() string {
	if DaemonAddr != "" {
		return DaemonAddr
	}
	if cfg := loadConfigQuiet(); cfg != nil && cfg.Daemon.ListenAddr != "" {
		return cfg.Daemon.ListenAddr
	}
	return "127.0.0.1:8716"
}

// GetMiddlewareURL resolves the middleware base URL from config.
func GetMiddlewareURL() string {
	if cfg := loadConfigQuiet(); cfg != nil && cfg.Middleware.BaseURL != "" {
		return cfg.Middleware.BaseURL
	}
	return "http://localhost:8000"
}

// loadConfigQuiet loads the config file, returning nil on any error. Commands
// that only need defaults keep working without a config file.
func loadConfigQuiet() *config.Config {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil
	}
	return cfg
}

// Version information (set at build time).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string.
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit.
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version.
func GetGoVersion() string {
	return runtime.Version()
}
