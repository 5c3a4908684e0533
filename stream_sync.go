// stream_sync.go: Forwarding of plugin process stdout/stderr to the host logger
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

// StreamType identifies the type of stream being forwarded.
type StreamType int

const (
	StreamStdout StreamType = iota
	StreamStderr
)

// String implements fmt.Stringer for StreamType.
func (st StreamType) String() string {
	switch st {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

const maxForwardedLine = 1024 * 1024

// OutputForwarder copies process output line by line into a Logger, each
// line prefixed with "[plugin-name]". Stdout lines are logged at info level,
// stderr lines at warn level.
type OutputForwarder struct {
	logger Logger
	prefix string
	wg     sync.WaitGroup
	lines  atomic.Int64
}

// NewOutputForwarder creates a forwarder for the named plugin.
func NewOutputForwarder(plugin string, logger Logger) *OutputForwarder {
	return &OutputForwarder{
		logger: NewLogger(logger),
		prefix: "[" + plugin + "]",
	}
}

// Attach starts forwarding r until it reaches EOF.
func (f *OutputForwarder) Attach(streamType StreamType, r io.Reader) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer withStackRecover(f.logger)()
		f.forward(streamType, r)
	}()
}

func (f *OutputForwarder) forward(streamType StreamType, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxForwardedLine)

	for scanner.Scan() {
		f.lines.Add(1)
		line := f.prefix + " " + scanner.Text()
		if streamType == StreamStderr {
			f.logger.Warn(line, "stream", streamType.String())
		} else {
			f.logger.Info(line, "stream", streamType.String())
		}
	}
	if err := scanner.Err(); err != nil {
		f.logger.Warn(f.prefix+" output no longer forwarded", "stream", streamType.String(), "error", err)
		// Keep the pipe empty so the plugin never blocks on a write.
		_, _ = io.Copy(io.Discard, r)
	}
}

// Wait blocks until every attached stream reached EOF.
func (f *OutputForwarder) Wait() {
	f.wg.Wait()
}

// Lines returns the number of lines forwarded so far.
func (f *OutputForwarder) Lines() int64 {
	return f.lines.Load()
}
