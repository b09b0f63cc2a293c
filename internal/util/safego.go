package util

import (
	"runtime/debug"

	"github.com/pearlops/pearld/internal/logging"
)

// SafeGo wraps a goroutine function with panic recovery and logging.
// Use this in place of bare `go` statements so a panicking poll cycle or
// broadcast is caught, logged with its stack trace, and doesn't take the
// daemon down.
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// SafeGoWithName is SafeGo with a descriptive goroutine name in the panic log.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
