// Package logx is the engine's leveled logging facade. It keeps the
// teacher's package-level, globally-configurable logger shape but backs it
// with logrus instead of hand-rolled ANSI escape codes, since structured,
// leveled logging is how the rest of this corpus (runZeroInc-conniver)
// reaches for logging.
package logx

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel sets the minimum level that will be emitted. Unrecognized names
// fall back to info.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
}

// Fields is a shorthand for structured log fields, e.g. {"sockid": id}.
type Fields = logrus.Fields

// Entry is a pre-populated logger returned by With.
type Entry = logrus.Entry

func Debug(msg string, f Fields) { base.WithFields(f).Debug(msg) }
func Info(msg string, f Fields)  { base.WithFields(f).Info(msg) }
func Warn(msg string, f Fields)  { base.WithFields(f).Warn(msg) }
func Error(msg string, f Fields) { base.WithFields(f).Error(msg) }

// With returns a logrus.Entry pre-populated with f, for call sites that log
// the same fields repeatedly (e.g. one per connection).
func With(f Fields) *logrus.Entry { return base.WithFields(f) }
