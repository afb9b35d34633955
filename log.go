package intercept

import (
	"os"

	"github.com/sirupsen/logrus"
)

// logDestination is the opened INTERCEPT_LOG destination, set once by
// Init via setLogDestination and read by the (external, out of scope)
// per-syscall argument logger once that collaborator exists.
var logDestination *os.File

// setLogDestination records the destination Init opened.
func setLogDestination(f *os.File) {
	logDestination = f
}

// openLogDestination resolves INTERCEPT_LOG/INTERCEPT_LOG_TRUNC into an
// *os.File the (external, out of scope) per-syscall argument logger
// would write into. No formatting of syscall arguments happens here --
// only the destination is this package's concern.
func openLogDestination(cfg Config) (*os.File, error) {
	switch cfg.LogPath {
	case "":
		return nil, nil
	case "-":
		return os.Stderr, nil
	default:
		flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
		if cfg.LogTrunc {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		return os.OpenFile(cfg.LogPath, flags, 0o644)
	}
}

// debugLogger returns a logrus.Logger that writes post-activation
// summaries (never anything on the fatal/raw path), or nil when
// INTERCEPT_DEBUG_DUMP is unset.
func debugLogger(cfg Config) *logrus.Logger {
	if !cfg.DebugDump {
		return nil
	}
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.DebugLevel)
	return l
}

// dumpObjectSummary logs one object's patch coverage once it has been
// fully activated and its pages restored to RX -- safe to route
// through the ordinary Go runtime and an external library at this
// point, since nothing here runs on the raw-syscall path.
func dumpObjectSummary(log *logrus.Logger, path string, patched, planA, planB, skipped int) {
	if log == nil {
		return
	}
	log.WithFields(logrus.Fields{
		"object":         path,
		"patched":        patched,
		"plan_a":         planA,
		"plan_b":         planB,
		"skipped_bounds": skipped,
	}).Debug("syscall sites patched")
}
