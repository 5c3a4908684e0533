// runtime_process.go: Process-isolated execution contexts
//
// A process context runs the plugin artifact as a child process. The host
// writes the artifact into a private directory, serves the context's
// repository on a unix socket, launches the child with the handshake
// environment and talks to it over the Lifecycle gRPC service. Destroying
// the context kills the child, which aborts any call in flight.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
)

const (
	controlSocketName    = "control.sock"
	repositorySocketName = "repository.sock"
)

// ProcessRuntimeConfig configures how plugin processes are launched.
type ProcessRuntimeConfig struct {
	Handshake HandshakeConfig `json:"handshake" yaml:"handshake"`

	// StartTimeout bounds the wait for the child's control socket.
	StartTimeout time.Duration `json:"start_timeout" yaml:"start_timeout"`

	// StopTimeout bounds the wait for a killed child to be reaped.
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`

	// SocketDir is where per-context socket directories are created. Unix
	// socket paths are length limited, so it defaults to the system temp dir.
	SocketDir string `json:"socket_dir" yaml:"socket_dir"`

	// ForwardOutput logs the child's stdout and stderr.
	ForwardOutput bool `json:"forward_output" yaml:"forward_output"`
}

// DefaultProcessRuntimeConfig provides sensible defaults.
var DefaultProcessRuntimeConfig = ProcessRuntimeConfig{
	Handshake:     DefaultHandshakeConfig,
	StartTimeout:  10 * time.Second,
	StopTimeout:   5 * time.Second,
	ForwardOutput: true,
}

// ApplyDefaults fills zero fields from DefaultProcessRuntimeConfig.
func (c *ProcessRuntimeConfig) ApplyDefaults() {
	if c.Handshake.ProtocolVersion == 0 {
		c.Handshake = DefaultHandshakeConfig
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultProcessRuntimeConfig.StartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultProcessRuntimeConfig.StopTimeout
	}
}

// ProcessRuntime creates contexts backed by child processes.
type ProcessRuntime struct {
	config    ProcessRuntimeConfig
	handshake *HandshakeManager
	logger    Logger
}

// NewProcessRuntime creates the process runtime.
func NewProcessRuntime(config ProcessRuntimeConfig, logger Logger) *ProcessRuntime {
	config.ApplyDefaults()
	internalLogger := NewLogger(logger)
	return &ProcessRuntime{
		config:    config,
		handshake: NewHandshakeManager(config.Handshake, internalLogger),
		logger:    internalLogger,
	}
}

// Name implements Runtime.
func (r *ProcessRuntime) Name() string {
	return RuntimeProcess
}

// NewContext implements Runtime. It returns once the child serves its
// control socket; the lifecycle itself is driven through Proxy.
func (r *ProcessRuntime) NewContext(ctx context.Context, spec ContextSpec) (_ ExecutionContext, err error) {
	logger := r.logger
	if spec.Logger != nil {
		logger = spec.Logger
	}
	lifetime, cancel := context.WithCancelCause(context.Background())
	c := &processContext{
		id:          spec.ID,
		plugin:      spec.Plugin,
		ctx:         lifetime,
		cancel:      cancel,
		exited:      make(chan struct{}),
		logger:      logger,
		stopTimeout: r.config.StopTimeout,
	}
	defer func() {
		if err != nil {
			_ = c.Destroy()
			if ErrorCodeOf(err) == "" {
				err = NewConstructionError(spec.Plugin, err)
			}
		}
	}()

	code, err := spec.Repository.Download(ctx, spec.Artifact)
	if err != nil {
		return nil, err
	}

	c.dir = filepath.Join(spec.ScratchDir, spec.Plugin+"-"+spec.ID)
	if err := os.MkdirAll(c.dir, 0o750); err != nil {
		return nil, err
	}
	executable := filepath.Join(c.dir, filepath.Base(spec.Artifact))
	if err := os.WriteFile(executable, code, 0o700); err != nil { // #nosec G306 -- the artifact must be executable
		return nil, err
	}

	c.socketDir, err = os.MkdirTemp(r.config.SocketDir, "sv-")
	if err != nil {
		return nil, err
	}
	controlSocket := filepath.Join(c.socketDir, controlSocketName)
	repositorySocket := filepath.Join(c.socketDir, repositorySocketName)

	resolver := NewDependencyResolver(spec.Repository, extensionOf(spec.Artifact), logger)
	c.repoServer, err = serveRepository(repositorySocket, &repositoryService{resolver: resolver, repo: spec.Repository}, logger)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(executable) // #nosec G204 -- artifact path is built by the runtime
	cmd.Dir = c.dir
	cmd.Env = r.handshake.PrepareEnvironment(HandshakeInfo{
		PluginName:       spec.Plugin,
		ContextID:        spec.ID,
		ControlSocket:    controlSocket,
		RepositorySocket: repositorySocket,
		ConfigPath:       spec.ConfigPath,
	})

	output := NewOutputForwarder(spec.Plugin, logger)
	if r.config.ForwardOutput {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, err
		}
		output.Attach(StreamStdout, stdout)
		output.Attach(StreamStderr, stderr)
	}

	if err := cmd.Start(); err != nil {
		return nil, NewProcessStartError(spec.Plugin, err)
	}
	c.process = cmd.Process
	logger.Debug("Plugin process started", "pid", cmd.Process.Pid, "executable", executable)

	go c.reap(cmd, output)

	if err := c.waitForSocket(ctx, controlSocket, r.config.StartTimeout); err != nil {
		return nil, NewProcessStartError(spec.Plugin, err)
	}

	c.conn, err = dialUnix(controlSocket)
	if err != nil {
		return nil, NewRPCError("dial", err)
	}
	c.client = newLifecycleClient(c.conn)
	return c, nil
}

// processContext is an execution context owning one child process.
type processContext struct {
	id     string
	plugin string
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger Logger

	dir        string
	socketDir  string
	process    *os.Process
	repoServer *grpc.Server
	conn       *grpc.ClientConn
	client     *lifecycleClient

	exited      chan struct{}
	exitErr     error
	stopTimeout time.Duration

	destroyed atomic.Bool
	once      sync.Once
}

func (c *processContext) ID() string               { return c.id }
func (c *processContext) Plugin() string           { return c.plugin }
func (c *processContext) Runtime() string          { return RuntimeProcess }
func (c *processContext) Context() context.Context { return c.ctx }
func (c *processContext) Destroyed() bool          { return c.destroyed.Load() }

func (c *processContext) Proxy() Role {
	return &processProxy{c: c}
}

// reap waits for the child and cancels the context with the exit reason, so
// calls in flight fail instead of waiting for a socket that will not return.
func (c *processContext) reap(cmd *exec.Cmd, output *OutputForwarder) {
	output.Wait()
	err := cmd.Wait()
	c.exitErr = err
	close(c.exited)

	if c.destroyed.Load() {
		return
	}
	if err != nil {
		c.logger.Warn("Plugin process exited", "error", err)
		c.cancel(fmt.Errorf("plugin process exited: %v", err))
	} else {
		c.logger.Warn("Plugin process exited")
		c.cancel(stderrors.New("plugin process exited"))
	}
}

// waitForSocket polls for the control socket file.
func (c *processContext) waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.exited:
			if c.exitErr != nil {
				return fmt.Errorf("process exited before serving: %v", c.exitErr)
			}
			return stderrors.New("process exited before serving")
		case <-deadline.C:
			return fmt.Errorf("control socket not ready after %s", timeout)
		case <-ticker.C:
		}
	}
}

// Destroy kills the child and releases the sockets and the scratch
// directory. Calls in flight fail with a context destroyed error.
func (c *processContext) Destroy() error {
	var errs []error
	c.once.Do(func() {
		c.destroyed.Store(true)
		c.cancel(NewContextDestroyedError(c.plugin, c.id))

		if c.process != nil {
			if err := c.process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
				c.logger.Warn("Failed to kill plugin process", "pid", c.process.Pid, "error", err)
			}
			select {
			case <-c.exited:
			case <-time.After(c.stopTimeout):
				c.logger.Warn("Plugin process not reaped in time", "pid", c.process.Pid, "timeout", c.stopTimeout)
			}
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.repoServer != nil {
			c.repoServer.Stop()
		}
		for _, dir := range []string{c.socketDir, c.dir} {
			if dir == "" {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return stderrors.Join(errs...)
}

// processProxy forwards lifecycle calls to the child. Calls made with a
// context other than the execution context still end when it is destroyed.
type processProxy struct {
	c *processContext
}

func (p *processProxy) bind(ctx context.Context) (context.Context, func(), error) {
	if p.c.Destroyed() {
		return nil, nil, NewContextDestroyedError(p.c.plugin, p.c.id)
	}
	callCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(p.c.ctx, func() {
		cancel(context.Cause(p.c.ctx))
	})
	return callCtx, func() {
		stop()
		cancel(nil)
	}, nil
}

func (p *processProxy) Start(ctx context.Context) (bool, error) {
	callCtx, release, err := p.bind(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	started, err := p.c.client.Start(callCtx)
	return started, p.settle(err)
}

func (p *processProxy) Run(ctx context.Context) error {
	callCtx, release, err := p.bind(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.settle(p.c.client.Run(callCtx))
}

func (p *processProxy) Stop(ctx context.Context) error {
	callCtx, release, err := p.bind(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.settle(p.c.client.Stop(callCtx))
}

// settle reports the execution context's cancellation cause instead of the
// transport error a killed or exited child leaves behind.
func (p *processProxy) settle(err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(p.c.ctx); cause != nil {
		return cause
	}
	return err
}

var (
	_ Runtime          = (*ProcessRuntime)(nil)
	_ ExecutionContext = (*processContext)(nil)
	_ Role             = (*processProxy)(nil)
)
