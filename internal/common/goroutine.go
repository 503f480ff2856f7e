package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
)

// SafeGo runs fn on its own goroutine with panic containment. The local
// scheduler spawns one reaper goroutine per in-flight job; a panic in
// one of them must not take down the supervising submission, so it is
// logged and captured as a crash report instead of propagating.
//
//	common.SafeGo(logger, "local-scheduler-reaper", func() {
//	    p.done <- h.Wait()
//	})
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if logger == nil {
				logger = GetLogger()
			}
			crashPath := WriteCrashFile(r, GetStackTrace())
			logger.Error().
				Str("goroutine", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("report", crashPath).
				Msg("recovered panic in background goroutine; submission continues")
		}()
		fn()
	}()
}
