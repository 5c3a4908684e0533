// panic_recovery.go: Panic containment for supervisor goroutines and plugin calls
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"runtime"
)

// RecoveryHandler receives a recovered panic value and the goroutine stack.
type RecoveryHandler func(recovered interface{}, stack []byte)

// PanicError carries a recovered panic value and the stack at the point of
// recovery. Plugin panics are reported through it like any other fault.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", p.Value, p.Stack)
}

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	return buf[:runtime.Stack(buf, false)]
}

// loggingHandler reports a panic as a single error entry.
func loggingHandler(logger Logger) RecoveryHandler {
	return func(recovered interface{}, stack []byte) {
		logger.Error("Panic recovered in goroutine", "panic", recovered, "stack", string(stack))
	}
}

// withStackRecover returns a function to defer at the top of a goroutine:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    ...
//	}()
func withStackRecover(logger Logger) func() {
	handle := loggingHandler(logger)
	return func() {
		if r := recover(); r != nil {
			handle(r, captureStack())
		}
	}
}

// recoverInto converts a panic into a *PanicError assigned to *errp. It must
// be deferred directly.
func recoverInto(errp *error) {
	if r := recover(); r != nil {
		*errp = &PanicError{Value: r, Stack: captureStack()}
	}
}

// SafeGo runs fn on a new goroutine. A panic is logged and ends only that
// goroutine.
func SafeGo(logger Logger, fn func()) {
	SafeGoWithHandler(loggingHandler(logger), fn)
}

// SafeGoWithHandler runs fn on a new goroutine and passes any panic to handler.
func SafeGoWithHandler(handler RecoveryHandler, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				handler(r, captureStack())
			}
		}()
		fn()
	}()
}
