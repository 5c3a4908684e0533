// handshake.go: Host/plugin process handshake
//
// The host launches a process plugin with a set of environment variables:
// a magic cookie, the protocol version and the unix socket paths of the
// control and repository channels. The plugin validates them in Serve before
// it starts listening.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Environment variables of the handshake.
const (
	EnvProtocolVersion  = "PLUGIN_PROTOCOL_VERSION"
	EnvPluginName       = "PLUGIN_NAME"
	EnvContextID        = "PLUGIN_CONTEXT_ID"
	EnvControlSocket    = "PLUGIN_CONTROL_SOCKET"
	EnvRepositorySocket = "PLUGIN_REPOSITORY_SOCKET"
	EnvConfigPath       = "PLUGIN_CONFIG_PATH"
)

// HandshakeConfig represents the configuration for plugin handshake.
type HandshakeConfig struct {
	// ProtocolVersion must match between host and plugin or handshake will fail.
	ProtocolVersion uint `json:"protocol_version" yaml:"protocol_version"`

	// MagicCookieKey and MagicCookieValue are used as a basic verification
	// that the plugin is intended to be launched. This is not a security
	// feature, just a UX feature to prevent obvious errors.
	MagicCookieKey   string `json:"magic_cookie_key" yaml:"magic_cookie_key"`
	MagicCookieValue string `json:"magic_cookie_value" yaml:"magic_cookie_value"`
}

// DefaultHandshakeConfig provides the default handshake configuration.
var DefaultHandshakeConfig = HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "AGILIRA_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "agilira-go-supervisor-v1",
}

var envVarName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks if the HandshakeConfig is valid and complete.
func (hc *HandshakeConfig) Validate() error {
	if hc.ProtocolVersion == 0 {
		return NewHandshakeError("protocol version must be greater than 0", nil)
	}
	if hc.MagicCookieKey == "" {
		return NewHandshakeError("magic cookie key is required", nil)
	}
	if hc.MagicCookieValue == "" {
		return NewHandshakeError("magic cookie value is required", nil)
	}
	if !envVarName.MatchString(hc.MagicCookieKey) {
		return NewHandshakeError("magic cookie key must be a valid environment variable name", nil)
	}
	return nil
}

// HandshakeInfo contains what the host tells a plugin process at launch.
type HandshakeInfo struct {
	ProtocolVersion  uint   `json:"protocol_version"`
	PluginName       string `json:"plugin_name"`
	ContextID        string `json:"context_id"`
	ControlSocket    string `json:"control_socket"`
	RepositorySocket string `json:"repository_socket"`
	ConfigPath       string `json:"config_path,omitempty"`
}

// HandshakeManager manages the handshake process between host and plugin.
type HandshakeManager struct {
	config HandshakeConfig
	logger Logger
}

// NewHandshakeManager creates a new handshake manager.
func NewHandshakeManager(config HandshakeConfig, logger Logger) *HandshakeManager {
	return &HandshakeManager{config: config, logger: NewLogger(logger)}
}

// IsPluginProcess reports whether the current process was launched as a
// plugin, judging by the magic cookie only.
func (hm *HandshakeManager) IsPluginProcess() bool {
	return os.Getenv(hm.config.MagicCookieKey) == hm.config.MagicCookieValue
}

// PrepareEnvironment returns the environment for a plugin process: the
// host's environment plus the handshake variables.
func (hm *HandshakeManager) PrepareEnvironment(info HandshakeInfo) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("%s=%s", hm.config.MagicCookieKey, hm.config.MagicCookieValue),
		fmt.Sprintf("%s=%d", EnvProtocolVersion, hm.config.ProtocolVersion),
		fmt.Sprintf("%s=%s", EnvPluginName, info.PluginName),
		fmt.Sprintf("%s=%s", EnvContextID, info.ContextID),
		fmt.Sprintf("%s=%s", EnvControlSocket, info.ControlSocket),
		fmt.Sprintf("%s=%s", EnvRepositorySocket, info.RepositorySocket),
		fmt.Sprintf("%s=%s", EnvConfigPath, info.ConfigPath),
	)

	hm.logger.Debug("Prepared plugin environment",
		"magic_cookie", hm.config.MagicCookieKey,
		"protocol_version", hm.config.ProtocolVersion,
		"plugin_name", info.PluginName,
		"control_socket", info.ControlSocket)
	return env
}

// ValidatePluginEnvironment validates that the current process has the
// expected environment variables for a plugin (called from plugin side).
func (hm *HandshakeManager) ValidatePluginEnvironment() (*HandshakeInfo, error) {
	if cookie := os.Getenv(hm.config.MagicCookieKey); cookie != hm.config.MagicCookieValue {
		return nil, NewHandshakeError("invalid magic cookie: this binary is a plugin and must be launched by the supervisor", nil)
	}

	versionStr := os.Getenv(EnvProtocolVersion)
	if versionStr == "" {
		return nil, NewHandshakeError("missing "+EnvProtocolVersion+" environment variable", nil)
	}
	version, err := strconv.ParseUint(versionStr, 10, 32)
	if err != nil {
		return nil, NewHandshakeError("invalid protocol version", err)
	}
	if uint(version) != hm.config.ProtocolVersion {
		return nil, NewHandshakeError(fmt.Sprintf("protocol version mismatch: expected %d, got %d",
			hm.config.ProtocolVersion, version), nil)
	}

	info := &HandshakeInfo{
		ProtocolVersion:  uint(version),
		PluginName:       os.Getenv(EnvPluginName),
		ContextID:        os.Getenv(EnvContextID),
		ControlSocket:    os.Getenv(EnvControlSocket),
		RepositorySocket: os.Getenv(EnvRepositorySocket),
		ConfigPath:       os.Getenv(EnvConfigPath),
	}
	if info.ControlSocket == "" {
		return nil, NewHandshakeError("missing "+EnvControlSocket+" environment variable", nil)
	}
	if info.RepositorySocket == "" {
		return nil, NewHandshakeError("missing "+EnvRepositorySocket+" environment variable", nil)
	}

	hm.logger.Info("Plugin environment validated successfully",
		"protocol_version", info.ProtocolVersion,
		"plugin_name", info.PluginName,
		"control_socket", info.ControlSocket)
	return info, nil
}
