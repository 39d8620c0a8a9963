package ipc

import "log"

// logHandler is the swappable sink for this package's diagnostics,
// mirroring the reference client's ipc_set_log_handler: by default it goes
// to the standard logger, but a host process (the REPL, a test) can
// redirect or silence it without this package knowing who is listening.
var logHandler = func(format string, args ...any) {
	log.Printf(format, args...)
}

// SetLogHandler replaces the sink used by this package's internal
// diagnostics (malformed frames, dropped reentrant responses, and the
// like). Passing nil discards them.
func SetLogHandler(h func(format string, args ...any)) {
	if h == nil {
		logHandler = func(string, ...any) {}
		return
	}
	logHandler = h
}

func logf(format string, args ...any) {
	logHandler(format, args...)
}
