// Package obs holds the process-wide logging and metrics singletons shared
// by every component of the VMM. The logger is reconfigurable at runtime
// from the management plane (ConfigureLogger) without taking a lock on the
// hot path: the active logger is stored behind an atomic.Value and swapped
// wholesale on reconfiguration. The metrics collectors are fixed after
// boot; the management bridge rejects ConfigureMetrics.
package obs

import (
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var current atomic.Value // holds *logrus.Entry

func init() {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	current.Store(l.WithField("component", "vmm"))
}

// L returns the current process-wide logger entry.
func L() *logrus.Entry {
	return current.Load().(*logrus.Entry)
}

// With returns the current logger entry with an additional field, handy for
// per-component loggers (e.g. obs.With("vcpu", id)).
func With(key string, value any) *logrus.Entry {
	return L().WithField(key, value)
}

// Configure swaps the process-wide logger atomically. Mirrors the
// ConfigureLogger management request: output path and level can both be
// changed without disturbing in-flight log calls on other threads.
func Configure(out io.Writer, level logrus.Level) {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	current.Store(l.WithField("component", "vmm"))
}
