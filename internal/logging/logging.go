// Package logging configures the process-wide logrus logger and hands out
// per-component entries.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var base = newLogger(os.Stderr)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Setup sets the log level ("debug", "info", "warn", "error").
func Setup(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	base.SetLevel(lvl)
	return nil
}

// SetOutput redirects all component loggers.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// For returns a logger tagged with the given component name.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
