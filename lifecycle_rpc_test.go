// lifecycle_rpc_test.go: tests for the gRPC control channel
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	stderrors "errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// serveLifecycle exposes role through an in-memory listener and returns the
// host-side client.
func serveLifecycle(t *testing.T, role Role, logger Logger) *lifecycleClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := newRPCServer(logger)
	srv.RegisterService(&lifecycleServiceDesc, role)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return newLifecycleClient(cc)
}

func rpcContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	t.Cleanup(cancel)
	return ctx
}

func TestLifecycleRPC_RoundTrip(t *testing.T) {
	role := &fakeRole{start: true}
	client := serveLifecycle(t, role, NewTestLogger())
	ctx := rpcContext(t)

	started, err := client.Start(ctx)
	require.NoError(t, err)
	assert.True(t, started)

	require.NoError(t, client.Run(ctx))
	require.NoError(t, client.Stop(ctx))
	assert.Equal(t, int32(1), role.runs.Load())
	assert.Equal(t, int32(1), role.stops.Load())
}

func TestLifecycleRPC_Declined(t *testing.T) {
	client := serveLifecycle(t, &fakeRole{start: false}, nil)

	started, err := client.Start(rpcContext(t))
	require.NoError(t, err)
	assert.False(t, started)
}

func TestLifecycleRPC_ErrorCarriesText(t *testing.T) {
	client := serveLifecycle(t, &fakeRole{start: true, runErr: stderrors.New("queue unreachable")}, nil)

	err := client.Run(rpcContext(t))
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeRPCFailed))
	assert.Contains(t, describeError(err), "queue unreachable")
	assert.Contains(t, describeError(err), "Unknown")
}

func TestLifecycleRPC_PanicBecomesInternal(t *testing.T) {
	logger := NewTestLogger()
	client := serveLifecycle(t, &fakeRole{start: true, panicIn: "run"}, logger)

	err := client.Run(rpcContext(t))
	require.Error(t, err)
	assert.Contains(t, describeError(err), "Internal")
	assert.Contains(t, describeError(err), "plugin exploded")
	assert.True(t, logger.HasMessage("ERROR", "Panic in rpc handler"))

	// The server survives the panic.
	started, err := client.Start(rpcContext(t))
	require.NoError(t, err)
	assert.True(t, started)
}

func TestLifecycleRPC_CancelReachesPlugin(t *testing.T) {
	role := &fakeRole{start: true, block: true}
	client := serveLifecycle(t, role, nil)

	ctx, cancel := context.WithCancelCause(context.Background())
	destroyed := NewContextDestroyedError("alpha", "ctx-1")
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return role.runs.Load() == 1 }, eventually, tick)
	cancel(destroyed)

	select {
	case err := <-done:
		assert.Same(t, destroyed, err, "the cancellation cause wins over the transport status")
	case <-time.After(eventually):
		t.Fatal("run did not return after cancellation")
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"Plain", stderrors.New("boom"), codes.Unknown},
		{"ArtifactMissing", NewArtifactNotFoundError("alpha", "plugins"), codes.NotFound},
		{"DependencyMissing", NewDependencyError("util", "util.lua", "plugins"), codes.NotFound},
		{"Destroyed", NewContextDestroyedError("alpha", "ctx"), codes.Canceled},
		{"AlreadyStatus", status.Error(codes.Unavailable, "down"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(toStatus(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.code, st.Code())
		})
	}
}

func TestFromStatus(t *testing.T) {
	err := fromStatus(context.Background(), "Fetch", status.Error(codes.NotFound, "no such artifact"))
	assert.True(t, HasErrorCode(err, ErrCodeRPCFailed))
	assert.Contains(t, describeError(err), "NotFound: no such artifact")

	ctx, cancel := context.WithCancelCause(context.Background())
	cause := stderrors.New("process exited")
	cancel(cause)
	assert.Same(t, cause, fromStatus(ctx, "Run", status.Error(codes.Unavailable, "eof")))
}

func TestRepositoryService_OverUnixSocket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unix socket test in short mode")
	}
	dir, err := os.MkdirTemp("", "sv")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	ctx := rpcContext(t)
	store := NewMemoryStore()
	repo := NewRepository(store, testContainer)
	require.NoError(t, repo.UploadText(ctx, "util.lua", "return {}"))

	socket := filepath.Join(dir, "repo.sock")
	logger := NewTestLogger()
	srv, err := serveRepository(socket, &repositoryService{
		resolver: NewDependencyResolver(repo, ".lua", logger),
		repo:     repo,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	cc, err := dialUnix(socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	client := &repositoryClient{cc: cc}

	exists, err := client.Exists(ctx, "util")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.Exists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := client.Fetch(ctx, "util, Version=1.0")
	require.NoError(t, err)
	assert.Equal(t, "return {}", string(data))

	_, err = client.Fetch(ctx, "ghost")
	require.Error(t, err)
	assert.Contains(t, describeError(err), "NotFound")
	assert.Contains(t, describeError(err), "does not exist in this location")
}
