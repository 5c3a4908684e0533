// plugin_serve.go: Plugin-side entry point of process plugins
//
// A compiled plugin is an executable whose main calls Serve with its
// RoleFactory:
//
//	func main() {
//		if err := supervisor.Serve(NewMyPlugin); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// Serve validates the handshake set up by the host, builds the plugin and
// serves the Lifecycle service until the host kills the process.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
)

// ServeConfig configures how a plugin serves the host.
type ServeConfig struct {
	// Communication configuration
	HandshakeConfig HandshakeConfig `json:"handshake" yaml:"handshake"`

	// Logging configuration. Defaults to a text handler on stderr, which the
	// host forwards into its own log.
	Logger Logger `json:"-" yaml:"-"`
}

// DefaultServeConfig provides sensible defaults for plugin serving.
var DefaultServeConfig = ServeConfig{
	HandshakeConfig: DefaultHandshakeConfig,
}

// Serve runs factory's plugin with the default configuration.
func Serve(factory RoleFactory) error {
	return ServeWithConfig(context.Background(), DefaultServeConfig, factory)
}

// ServeWithConfig runs the plugin built by factory until ctx is done, the
// process receives SIGINT or SIGTERM, or the listener fails.
func ServeWithConfig(ctx context.Context, config ServeConfig, factory RoleFactory) error {
	logger := config.Logger
	if logger == nil {
		logger = NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}
	if config.HandshakeConfig.ProtocolVersion == 0 {
		config.HandshakeConfig = DefaultHandshakeConfig
	}

	info, err := NewHandshakeManager(config.HandshakeConfig, logger).ValidatePluginEnvironment()
	if err != nil {
		return err
	}
	logger = logger.With("plugin", info.PluginName, "context_id", info.ContextID)

	repoConn, err := dialUnix(info.RepositorySocket)
	if err != nil {
		return NewRPCError("dial", err)
	}
	defer func() { _ = repoConn.Close() }()

	host := &remoteHost{
		name:       info.PluginName,
		configPath: info.ConfigPath,
		repo:       &repositoryClient{cc: repoConn},
		logger:     logger,
	}
	role, err := buildRole(factory, host)
	if err != nil {
		logger.Error("Failed to construct plugin", "error", describeError(err))
		return err
	}

	// A stale socket from a crashed predecessor would make Listen fail.
	if err := os.Remove(info.ControlSocket); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return err
	}
	lis, err := net.Listen("unix", info.ControlSocket)
	if err != nil {
		return err
	}

	srv := newRPCServer(logger)
	srv.RegisterService(&lifecycleServiceDesc, role)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	logger.Info("Plugin serving", "socket", info.ControlSocket)
	if err := srv.Serve(lis); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func buildRole(factory RoleFactory, host PluginHost) (role Role, err error) {
	defer func() {
		if err != nil && ErrorCodeOf(err) == "" {
			err = NewConstructionError(host.Name(), err)
		}
	}()
	defer recoverInto(&err)

	role, err = factory(host)
	if err == nil && role == nil {
		err = NewNoEntryTypeError(host.Name())
	}
	return role, err
}

// remoteHost is the PluginHost of a process plugin. Require reaches the
// host's repository over the repository socket.
type remoteHost struct {
	name       string
	configPath string
	repo       artifactSource
	logger     Logger
}

func (h *remoteHost) Name() string       { return h.name }
func (h *remoteHost) ConfigPath() string { return h.configPath }
func (h *remoteHost) Logger() Logger     { return h.logger }

func (h *remoteHost) Require(ctx context.Context, reference string) ([]byte, error) {
	return h.repo.Fetch(ctx, reference)
}

var _ PluginHost = (*remoteHost)(nil)
