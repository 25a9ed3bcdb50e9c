package quixdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// Errors returned while loading configuration.
var (
	errConfigFileNotFound  = errors.New("config file not found")
	errConfigFileRead      = errors.New("failed to read config file")
	errConfigInvalid       = errors.New("invalid config")
	errLockTimeoutNegative = errors.New("lock_timeout must be >= 0")
)

// Config holds the options that govern how a [Database] is opened: where
// its tables live and how long an operation waits to acquire a table's
// lock before giving up.
type Config struct {
	// Root is the database's root directory, one subdirectory per table
	// (spec §6). Defaults to "." (the working directory).
	Root string `json:"root,omitempty"`

	// LockTimeout bounds how long Insert/Select/Update/Delete wait to
	// acquire a table's lock before returning [fs.ErrWouldBlock]. Zero
	// means block indefinitely, matching spec §4.3's default
	// ("acquisition is blocking by default").
	LockTimeout time.Duration `json:"lock_timeout,omitempty"`
}

// ConfigSources tracks which config files were loaded, for diagnostics.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the configuration used when no config file is
// present and no CLI overrides are given.
func DefaultConfig() Config {
	return Config{
		Root:        ".",
		LockTimeout: 0,
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".quixdb.json"

// getGlobalConfigPath returns the path to the global config file, using
// $XDG_CONFIG_HOME/quixdb/config.json if set, otherwise
// ~/.config/quixdb/config.json. Returns "" if neither can be determined.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "quixdb", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "quixdb", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "quixdb", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence (highest
// wins):
//  1. Defaults
//  2. Global user config (~/.config/quixdb/config.json or
//     $XDG_CONFIG_HOME/quixdb/config.json)
//  3. Project config file (.quixdb.json in workDir), or an explicit file
//     at configPath if non-empty
//  4. CLI overrides
func LoadConfig(workDir, configPath string, cliOverrides Config, hasRootOverride bool, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if hasRootOverride {
		cfg.Root = cliOverrides.Root
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, ConfigSources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, cfgFile, nil
}

// loadConfigFile loads a JSONC config file. If mustExist is false,
// a missing file returns a zero Config and loaded=false.
func loadConfigFile(path string, mustExist bool) (cfg Config, loaded bool, err error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, parseErr)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Root != "" {
		base.Root = overlay.Root
	}

	if overlay.LockTimeout != 0 {
		base.LockTimeout = overlay.LockTimeout
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.Root == "" {
		return fmt.Errorf("%w: root must not be empty", errConfigInvalid)
	}

	if cfg.LockTimeout < 0 {
		return fmt.Errorf("%w: %w", errConfigInvalid, errLockTimeoutNegative)
	}

	return nil
}

// FormatConfig returns cfg as formatted JSON, for the CLI's "config"
// command.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
