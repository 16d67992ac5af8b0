// Package x79log centralizes logrus configuration so every package in the
// store logs through one logger instance, configured once from the
// X79D8_LOG environment variable.
package x79log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(levelFromEnv())
}

func levelFromEnv() logrus.Level {
	switch strings.ToLower(os.Getenv("X79D8_LOG")) {
	case "error":
		return logrus.ErrorLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	case "trace":
		return logrus.TraceLevel
	case "warn", "":
		return logrus.WarnLevel
	default:
		return logrus.WarnLevel
	}
}

// For returns a logger scoped to the given component, e.g. x79log.For("wal").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel overrides the level computed from X79D8_LOG. Tests use this to
// silence or raise verbosity without touching the environment.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
