// Package safeexec wraps calls into untrusted or third-party code (stage
// actions, engine plugins) with panic recovery so a single misbehaving
// plugin cannot take down the Worker process it runs in.
package safeexec

import (
	"fmt"
	"runtime/debug"

	"github.com/yandex-tank-api/tankapi/internal/logging"
)

// Call executes fn with panic recovery. A recovered panic is logged and
// converted into an error; operation names the call site for log context.
func Call(logger logging.Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("panic_recovered", "operation", operation, "panic", r, "stack", stack)
			}
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// Go runs fn in a new goroutine with panic recovery. A recovered panic is
// logged and passed to onPanic, which may be nil.
func Go(logger logging.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("goroutine_panic_recovered", "operation", operation, "panic", r, "stack", stack)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
