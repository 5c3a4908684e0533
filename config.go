// config.go: Supervisor configuration file, environment overrides and validation
//
// The configuration file may be YAML or JSON, detected from its extension.
// Values may reference environment variables as ${VAR} or ${VAR:-default},
// and SUPERVISOR_* variables override individual settings after parsing.
//
// Example:
//
//	container: plugins
//	poll_interval: 30s
//	runtime: auto
//	store:
//	  driver: sqlite
//	  path: ${SUPERVISOR_DATA:-/var/lib/supervisor}/artifacts.db
//	logging:
//	  level: info
//	  format: json
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// Store drivers accepted in configuration.
const (
	StoreDriverMemory = "memory"
	StoreDriverSQLite = "sqlite"
	StoreDriverAzure  = "azblob"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SUPERVISOR_"

// Config is the supervisor configuration.
type Config struct {
	// Container is the polled container. An empty value is not a validation
	// error: it is reported as an error record on every poll.
	Container      string        `json:"container" yaml:"container"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Runtime        string        `json:"runtime" yaml:"runtime"`
	ScratchDir     string        `json:"scratch_dir" yaml:"scratch_dir"`
	ErrorContainer string        `json:"error_container" yaml:"error_container"`
	Identifier     string        `json:"identifier" yaml:"identifier"`
	RestartFaulted bool          `json:"restart_faulted" yaml:"restart_faulted"`

	Process ProcessRuntimeConfig `json:"process" yaml:"process"`
	Store   StoreConfig          `json:"store" yaml:"store"`
	Logging LoggingConfig        `json:"logging" yaml:"logging"`
	Audit   AuditSettings        `json:"audit" yaml:"audit"`
}

// StoreConfig selects and configures the artifact store.
type StoreConfig struct {
	Driver string          `json:"driver" yaml:"driver"`
	Path   string          `json:"path" yaml:"path"`
	Azure  AzureBlobConfig `json:"azure" yaml:"azure"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// AuditSettings enables the argus audit trail of configuration reloads.
type AuditSettings struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	OutputFile string `json:"output_file" yaml:"output_file"`
}

// DefaultConfig returns the configuration used for absent fields.
func DefaultConfig() Config {
	return Config{
		PollInterval:   DefaultPollInterval,
		Runtime:        RuntimeAuto,
		ErrorContainer: DefaultErrorContainer,
		Identifier:     DefaultIdentifier,
		Process:        DefaultProcessRuntimeConfig,
		Store:          StoreConfig{Driver: StoreDriverMemory},
		Logging:        LoggingConfig{Level: "info", Format: "text"},
		Audit:          AuditSettings{OutputFile: "supervisor-audit.jsonl"},
	}
}

// LoadConfig reads path, expands environment references, applies
// SUPERVISOR_* overrides and validates the result. An empty path yields the
// defaults with overrides applied.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		if err := decodeConfigFile(path, &config); err != nil {
			return nil, err
		}
	}
	if err := config.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func decodeConfigFile(path string, config *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		return NewInvalidConfigError("cannot access config file", err)
	}
	if !info.Mode().IsRegular() {
		return NewInvalidConfigError("config path is not a regular file", nil)
	}
	if info.Size() > 10*1024*1024 {
		return NewInvalidConfigError(fmt.Sprintf("config file too large: %d bytes", info.Size()), nil)
	}

	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return NewInvalidConfigError("failed to read config file", err)
	}

	// YAML is a superset of JSON, so one decoder serves both formats and
	// durations such as "30s" are accepted in either.
	switch format := argus.DetectFormat(path); format {
	case argus.FormatJSON, argus.FormatYAML:
	default:
		return NewInvalidConfigError(fmt.Sprintf("unsupported config format: %s", format), nil)
	}

	expanded, err := ExpandEnv(string(raw), os.LookupEnv)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return NewInvalidConfigError("failed to parse config file", err)
	}
	return nil
}

var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} in input. A variable that is
// unset and has no default is an error.
func ExpandEnv(input string, lookup func(string) (string, bool)) (string, error) {
	var missing []string
	out := envReference.ReplaceAllStringFunc(input, func(match string) string {
		parts := envReference.FindStringSubmatch(match)
		if value, ok := lookup(parts[1]); ok && value != "" {
			return value
		}
		if parts[2] != "" {
			return parts[3]
		}
		missing = append(missing, parts[1])
		return match
	})
	if len(missing) > 0 {
		return "", NewInvalidConfigError("undefined environment variables: "+strings.Join(missing, ", "), nil)
	}
	return out, nil
}

func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("CONTAINER", &c.Container)
	str("RUNTIME", &c.Runtime)
	str("SCRATCH_DIR", &c.ScratchDir)
	str("ERROR_CONTAINER", &c.ErrorContainer)
	str("IDENTIFIER", &c.Identifier)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("AZURE_CONNECTION_STRING", &c.Store.Azure.ConnectionString)
	str("AZURE_SERVICE_URL", &c.Store.Azure.ServiceURL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup(EnvPrefix + "POLL_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return NewInvalidConfigError(EnvPrefix+"POLL_INTERVAL", err)
		}
		c.PollInterval = d
	}
	if v, ok := lookup(EnvPrefix + "RESTART_FAULTED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return NewInvalidConfigError(EnvPrefix+"RESTART_FAULTED", err)
		}
		c.RestartFaulted = b
	}
	return nil
}

// Validate checks the configuration for values the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return NewInvalidConfigError("poll_interval must be positive", nil)
	}
	switch c.Runtime {
	case RuntimeAuto, RuntimeLua, RuntimeProcess:
	default:
		return NewInvalidConfigError(fmt.Sprintf("unknown runtime %q", c.Runtime), nil)
	}
	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverSQLite:
		if c.Store.Path == "" {
			return NewConfigurationError("store.path")
		}
	case StoreDriverAzure:
		if c.Store.Azure.ConnectionString == "" && c.Store.Azure.ServiceURL == "" {
			return NewConfigurationError("store.azure.connection_string")
		}
	default:
		return NewInvalidConfigError(fmt.Sprintf("unknown store driver %q", c.Store.Driver), nil)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return NewInvalidConfigError(fmt.Sprintf("unknown log format %q", c.Logging.Format), nil)
	}
	if c.Process.Handshake.ProtocolVersion != 0 {
		if err := c.Process.Handshake.Validate(); err != nil {
			return NewInvalidConfigError("invalid handshake configuration", err)
		}
	}
	return nil
}

// Setting implements SettingsSource.
func (c *Config) Setting(key string) (string, bool) {
	switch key {
	case SettingContainer:
		return c.Container, c.Container != ""
	case "runtime":
		return c.Runtime, true
	case "poll_interval":
		return c.PollInterval.String(), true
	case "error_container":
		return c.ErrorContainer, true
	case "identifier":
		return c.Identifier, true
	}
	return "", false
}

// Options builds supervisor options. settings is usually c itself or a
// ConfigWatcher serving live values.
func (c *Config) Options(store Store, settings SettingsSource, logger Logger) Options {
	return Options{
		Store:          store,
		Settings:       settings,
		Runtimes:       []Runtime{NewLuaRuntime(logger), NewProcessRuntime(c.Process, logger)},
		RuntimeMode:    c.Runtime,
		ScratchDir:     c.ScratchDir,
		ErrorContainer: c.ErrorContainer,
		Identifier:     c.Identifier,
		RestartFaulted: c.RestartFaulted,
		Logger:         logger,
	}
}

// OpenStore creates the store selected by config.
func OpenStore(config StoreConfig) (Store, error) {
	switch config.Driver {
	case "", StoreDriverMemory:
		return NewMemoryStore(), nil
	case StoreDriverSQLite:
		store, err := NewSQLiteStore(config.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoreDriverAzure:
		store, err := NewAzureBlobStore(config.Azure)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, NewInvalidConfigError(fmt.Sprintf("unknown store driver %q", config.Driver), nil)
	}
}

// NewLoggerFromConfig builds a slog-backed Logger writing to w.
func NewLoggerFromConfig(config LoggingConfig, w io.Writer) Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(config.Level)}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return NewSlogLogger(slog.New(handler))
}
