// errors.go: structured error definitions for the plugin supervisor
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the supervisor
const (
	// Configuration errors (1000-1099)
	ErrCodeMissingSetting = "CONFIG_1001"
	ErrCodeInvalidConfig  = "CONFIG_1002"

	// Artifact errors (1100-1199)
	ErrCodeArtifactNotFound = "ARTIFACT_1101"

	// Loading errors (1200-1299)
	ErrCodeNoEntryType       = "LOAD_1201"
	ErrCodeConstruction      = "LOAD_1202"
	ErrCodeDependencyMissing = "LOAD_1203"

	// Runtime errors (1300-1399)
	ErrCodeRuntimeFault     = "RUN_1301"
	ErrCodeSuperseded       = "RUN_1302"
	ErrCodeContextDestroyed = "RUN_1303"

	// Store errors (1400-1499)
	ErrCodeStoreOperation = "STORE_1401"

	// Process runtime errors (1500-1599)
	ErrCodeProcessStart = "PROC_1501"
	ErrCodeHandshake    = "PROC_1502"

	// Communication errors (1600-1699)
	ErrCodeRPCFailed = "RPC_1601"
)

// NewConfigurationError reports a required setting that is absent.
func NewConfigurationError(setting string) *errors.Error {
	return errors.New(ErrCodeMissingSetting, fmt.Sprintf("Required setting '%s' is missing", setting)).
		WithUserMessage("The supervisor configuration is missing a required setting").
		WithContext("setting", setting).
		WithSeverity("error")
}

// NewInvalidConfigError wraps a failure to read or validate a configuration file.
func NewInvalidConfigError(reason string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeInvalidConfig, "Invalid configuration: "+reason).
			WithUserMessage("The supervisor configuration is invalid").
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeInvalidConfig, "Invalid configuration: "+reason).
		WithUserMessage("The supervisor configuration is invalid").
		WithSeverity("error")
}

// NewArtifactNotFoundError reports a plugin or dependency absent from its container.
func NewArtifactNotFoundError(name, container string) *errors.Error {
	return errors.New(ErrCodeArtifactNotFound, fmt.Sprintf("Artifact not found: '%s' in container '%s'", name, container)).
		WithUserMessage("The named artifact does not exist in the repository").
		WithContext("artifact", name).
		WithContext("container", container).
		WithSeverity("warning")
}

// NewNoEntryTypeError reports a code unit without a lifecycle implementation.
func NewNoEntryTypeError(artifact string) *errors.Error {
	return errors.New(ErrCodeNoEntryType, fmt.Sprintf("no compatible entry type in '%s'", artifact)).
		WithUserMessage("The plugin does not expose a type implementing start, run and stop").
		WithContext("artifact", artifact).
		WithSeverity("error")
}

// NewConstructionError wraps a failure while building a plugin inside its context.
func NewConstructionError(plugin string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConstruction, fmt.Sprintf("failed to construct plugin '%s'", plugin)).
		WithUserMessage("The plugin could not be loaded").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

// NewDependencyError reports a referenced code unit missing from the repository.
func NewDependencyError(reference, artifact, container string) *errors.Error {
	return errors.New(ErrCodeDependencyMissing,
		fmt.Sprintf("dependency '%s' does not exist in this location (looked for '%s' in container '%s')", reference, artifact, container)).
		WithUserMessage("A dependency required by the plugin could not be resolved").
		WithContext("reference", reference).
		WithContext("artifact", artifact).
		WithContext("container", container).
		WithSeverity("error")
}

// NewRuntimeFault wraps any failure raised by a plugin's start, run or stop.
func NewRuntimeFault(plugin, phase string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRuntimeFault, fmt.Sprintf("plugin '%s' failed in %s", plugin, phase)).
		WithUserMessage("The plugin raised an unhandled error").
		WithContext("plugin_name", plugin).
		WithContext("phase", phase).
		WithSeverity("error")
}

// NewSupersededError reports a task whose context was destroyed while it ran.
func NewSupersededError(plugin, contextID string) *errors.Error {
	return errors.New(ErrCodeSuperseded, fmt.Sprintf("execution context of plugin '%s' was unloaded while running", plugin)).
		WithUserMessage("The plugin was unloaded or replaced while running").
		WithContext("plugin_name", plugin).
		WithContext("context_id", contextID).
		WithSeverity("info")
}

// NewContextDestroyedError is returned by proxies whose context is gone.
func NewContextDestroyedError(plugin, contextID string) *errors.Error {
	return errors.New(ErrCodeContextDestroyed, "execution context has been destroyed").
		WithContext("plugin_name", plugin).
		WithContext("context_id", contextID).
		WithSeverity("info")
}

// NewStoreError wraps a failing repository operation.
func NewStoreError(op, container, key string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeStoreOperation, fmt.Sprintf("store %s failed for '%s/%s'", op, container, key)).
		WithUserMessage("The artifact repository could not be reached").
		WithContext("operation", op).
		WithContext("container", container).
		WithContext("key", key).
		WithSeverity("error").
		AsRetryable()
}

// NewProcessStartError wraps a failure to launch a plugin process.
func NewProcessStartError(plugin string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeProcessStart, fmt.Sprintf("failed to start process for plugin '%s'", plugin)).
		WithUserMessage("The plugin process could not be started").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

// NewHandshakeError reports an invalid handshake between host and plugin process.
func NewHandshakeError(message string, cause error) *errors.Error {
	if cause == nil {
		return errors.New(ErrCodeHandshake, "Handshake failed: "+message).
			WithUserMessage("The plugin handshake failed").
			WithSeverity("error")
	}
	return errors.Wrap(cause, ErrCodeHandshake, "Handshake failed: "+message).
		WithUserMessage("The plugin handshake failed").
		WithSeverity("error")
}

// NewRPCError wraps a failed call on the control channel.
func NewRPCError(method string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRPCFailed, fmt.Sprintf("rpc %s failed", method)).
		WithContext("method", method).
		WithSeverity("error")
}

// ErrorCodeOf returns the code of the first structured error in err's chain,
// or an empty code when there is none.
func ErrorCodeOf(err error) errors.ErrorCode {
	var structured *errors.Error
	if stderrors.As(err, &structured) {
		return structured.Code
	}
	return ""
}

// HasErrorCode reports whether err carries the given code.
func HasErrorCode(err error, code errors.ErrorCode) bool {
	return err != nil && ErrorCodeOf(err) == code
}

// describeError renders err followed by any cause text its own message does
// not already include.
func describeError(err error) string {
	msg := err.Error()
	for cause := causeOf(err); cause != nil; cause = causeOf(cause) {
		if text := cause.Error(); !strings.Contains(msg, text) {
			msg += ": " + text
		}
	}
	return msg
}

func causeOf(err error) error {
	if structured, ok := err.(*errors.Error); ok {
		return structured.Cause
	}
	return stderrors.Unwrap(err)
}
