package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// activeGoroutines counts goroutines started by SafeGo that have not returned.
var activeGoroutines int64

// ActiveGoroutines returns the number of SafeGo goroutines still running.
func ActiveGoroutines() int64 {
	return atomic.LoadInt64(&activeGoroutines)
}

// SafeGo runs fn in a goroutine. A panic is logged with its stack and the
// goroutine exits; the process keeps running.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&activeGoroutines, 1)

	go func() {
		defer atomic.AddInt64(&activeGoroutines, -1)
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)

				if logger == nil {
					fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, buf[:n])
					return
				}
				logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(buf[:n])).
					Msg("Recovered from panic in goroutine")
			}
		}()

		fn()
	}()
}
