package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS
// is set, either to a logrus level name or to 1, 2 or 3 for info, debug and
// trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "1":
		l.SetLevel(logrus.InfoLevel)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		l.SetLevel(lvl)
	}

	return l
}
