package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// logger is the shared logrus instance every package logs through,
// mirroring the teacher's shared httpClient singleton in internal/cluster.
var logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Configure sets the process-wide log level from its string name (e.g.
// "debug", "info", "warn"). An unrecognized level leaves the default
// (info) in place and logs a warning.
func Configure(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("obslog: unrecognized log level, keeping info")
		return
	}
	logger.SetLevel(parsed)
}

// For returns a logger scoped to component, the way every Meridian
// package identifies its log lines.
func For(component string) *logrus.Entry {
	return logger.WithField("component", component)
}
