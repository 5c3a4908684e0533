// supervised_task.go: Fault-isolated execution of a plugin's lifecycle
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
)

// TaskOutcome is how a supervised task ended.
type TaskOutcome int

const (
	// OutcomeDeclined: start returned false, run was never called.
	OutcomeDeclined TaskOutcome = iota
	// OutcomeCompleted: run and stop returned cleanly.
	OutcomeCompleted
	// OutcomeFaulted: start, run or stop failed or panicked.
	OutcomeFaulted
	// OutcomeSuperseded: the context was destroyed while the task used it.
	OutcomeSuperseded
)

// String implements fmt.Stringer for TaskOutcome.
func (o TaskOutcome) String() string {
	switch o {
	case OutcomeDeclined:
		return "declined"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFaulted:
		return "faulted"
	case OutcomeSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

func (s *Supervisor) startSupervised(container, name string, handle ExecutionContext) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer withStackRecover(s.logger)()
		s.runSupervised(container, name, handle)
	}()
}

// runSupervised drives start, then run, then stop on the proxy of handle.
// Nothing raised by the plugin escapes: faults become error records and tear
// the context down.
func (s *Supervisor) runSupervised(container, name string, handle ExecutionContext) TaskOutcome {
	logger := s.logger.With("plugin", name, "context_id", handle.ID())
	defer s.contexts.takeReplaced(handle)
	ctx := handle.Context()
	proxy := handle.Proxy()

	phase := "start"
	declined := false
	err := func() (err error) {
		defer recoverInto(&err)
		started, err := proxy.Start(ctx)
		if err != nil {
			return err
		}
		if !started {
			declined = true
			return nil
		}
		phase = "run"
		logger.Info("Plugin running")
		if err := proxy.Run(ctx); err != nil {
			return err
		}
		phase = "stop"
		return proxy.Stop(ctx)
	}()

	reportCtx, cancel := context.WithTimeout(context.Background(), s.opts.ReportTimeout)
	defer cancel()

	switch {
	case err != nil && handle.Destroyed():
		logger.Info("Plugin context was unloaded while running, task superseded", "phase", phase, "cause", err)
		s.metrics.IncrementCounter(MetricSuperseded, nil, 1)
		// A reload reports for itself, even while its new context is still
		// being built.
		if !s.contexts.takeReplaced(handle) && !s.closing.Load() {
			s.reporter.ReportError(reportCtx, container, name, NewSupersededError(name, handle.ID()))
		}
		return OutcomeSuperseded

	case err != nil:
		fault := NewRuntimeFault(name, phase, err)
		s.metrics.IncrementCounter(MetricFaults, map[string]string{"phase": phase}, 1)
		s.reporter.ReportError(reportCtx, container, name, fault)
		if s.contexts.unloadIf(name, handle) && s.opts.RestartFaulted {
			s.versions.Forget(name)
		}
		return OutcomeFaulted

	case declined:
		logger.Info("Plugin declined to run")
		s.metrics.IncrementCounter(MetricDeclined, nil, 1)
		s.contexts.unloadIf(name, handle)
		return OutcomeDeclined

	default:
		logger.Info("Plugin run completed")
		s.metrics.IncrementCounter(MetricCompleted, nil, 1)
		s.contexts.unloadIf(name, handle)
		return OutcomeCompleted
	}
}
