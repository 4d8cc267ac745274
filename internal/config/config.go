// Package config resolves the engine's on-disk layout (state database,
// trace logs, staging directory) and loads the optional YAML settings
// file a user may drop next to them.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const dirName = "surge"

var (
	dirOnce sync.Once
	dirPath string
)

// GetSurgeDir returns the engine's config/state root. The path is
// resolved once per process on first access and cached; it does not
// create the directory (EnsureDirs does). Uses os.UserConfigDir()
// (honoring $XDG_CONFIG_HOME on Linux, so a fresh process can be
// isolated), falling back to a relative directory if the user's config
// dir can't be resolved.
func GetSurgeDir() string {
	dirOnce.Do(func() {
		base, err := os.UserConfigDir()
		if err != nil || base == "" {
			dirPath = dirName
			return
		}
		dirPath = filepath.Join(base, dirName)
	})
	return dirPath
}

// GetLogsDir returns the directory trace logs are written to.
func GetLogsDir() string {
	return filepath.Join(GetSurgeDir(), "logs")
}

// GetStagingDir returns the directory in-progress downloads stage their
// partial files in before the move queue relocates them to their final
// destination.
func GetStagingDir() string {
	return filepath.Join(GetSurgeDir(), "staging")
}

// GetStateDBPath returns the sqlite database file path.
func GetStateDBPath() string {
	return filepath.Join(GetSurgeDir(), "state.db")
}

// GetSettingsPath returns the optional YAML settings file path.
func GetSettingsPath() string {
	return filepath.Join(GetSurgeDir(), "settings.yaml")
}

// EnsureDirs creates the config/logs/staging directories if missing.
func EnsureDirs() error {
	for _, d := range []string{GetSurgeDir(), GetLogsDir(), GetStagingDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// GeneralSettings holds user-facing preferences not tied to a single
// download.
type GeneralSettings struct {
	DefaultDownloadDir string `yaml:"default_download_dir"`
	MaxDownloads       int    `yaml:"max_downloads"`
}

// EngineSettings holds engine tuning knobs parsed from settings.yaml.
// Neither the engine nor the CLI reads them; downloads take their
// tuning from RuntimeConfig.
type EngineSettings struct {
	Parts               int     `yaml:"parts"`
	PartsLimit          int     `yaml:"parts_limit"`
	MaxConnectionsPerHost int   `yaml:"max_connections_per_host"`
	UserAgent           string  `yaml:"user_agent"`
	SlowWorkerThreshold float64 `yaml:"slow_worker_threshold"`
	RetryDownloadsCount int     `yaml:"retry_downloads_count"`
}

// Settings is the top-level shape of settings.yaml.
type Settings struct {
	General GeneralSettings `yaml:"general"`
	Engine  EngineSettings  `yaml:"engine"`
}

// LoadSettings reads settings.yaml if present, returning zero-value
// Settings (not an error) when the file doesn't exist.
func LoadSettings() (*Settings, error) {
	path := GetSettingsPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, err
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSettings writes s to settings.yaml, creating the config dir if
// needed.
func SaveSettings(s *Settings) error {
	if err := EnsureDirs(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(GetSettingsPath(), data, 0o644)
}
