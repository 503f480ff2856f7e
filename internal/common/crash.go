package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// WriteCrashFile writes a crash report for panicVal into the repx log
// directory (the same XDG_CACHE_HOME location the file logger writes to)
// and returns its path, or "" if even that failed. It is called from
// panic recovery, possibly moments before the process exits, so the file
// is opened, synced, and closed directly here - the same
// write-then-fsync discipline the outcome markers use - rather than
// trusting a buffered writer to survive the crash.
func WriteCrashFile(panicVal any, stackTrace string) string {
	dir := logDir()
	_ = os.MkdirAll(dir, 0o755)
	crashPath := filepath.Join(dir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	var report bytes.Buffer
	fmt.Fprintf(&report, "repx crash report\n")
	fmt.Fprintf(&report, "time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&report, "version: %s\n", GetFullVersion())
	fmt.Fprintf(&report, "command: %s\n", strings.Join(os.Args, " "))
	fmt.Fprintf(&report, "\npanic: %v\n\n%s\n", panicVal, stackTrace)
	fmt.Fprintf(&report, "--- all goroutines ---\n%s", allGoroutineStacks())

	f, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repx: could not write crash report: %v\n%s", err, report.String())
		return ""
	}
	if _, err := f.Write(report.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "repx: could not write crash report: %v\n%s", err, report.String())
	}
	_ = f.Sync()
	_ = f.Close()

	return crashPath
}

// allGoroutineStacks dumps every goroutine's stack, growing the buffer
// until the dump fits. A submission mid-flight can have one reaper
// goroutine per spawned job, so the dump is what makes a crash report
// from a wedged scheduling loop actionable.
func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}

// GetStackTrace returns the current goroutine's stack trace.
func GetStackTrace() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// RecoverWithCrashFile is the deferred top-level recovery for main():
// any panic that escapes a subcommand becomes a crash report plus a
// nonzero exit, honoring the CLI's exit-code contract.
func RecoverWithCrashFile() {
	r := recover()
	if r == nil {
		return
	}
	crashPath := WriteCrashFile(r, GetStackTrace())
	fmt.Fprintf(os.Stderr, "repx: fatal panic: %v\n", r)
	if crashPath != "" {
		fmt.Fprintf(os.Stderr, "repx: crash report saved to %s\n", crashPath)
	}
	os.Exit(1)
}
