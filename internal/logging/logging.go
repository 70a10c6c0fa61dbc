// Package logging provides the structured logger shared by every CORE
// component. Nothing here is part of the dispatcher/account contracts
// themselves -- it is the injected sink those contracts describe.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus logger configured from a level string such as
// "debug", "info", "warn", or "error". Unknown levels fall back to info.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}

// Discard returns a logger that writes nowhere, for tests that don't
// care about log output but still need a logrus.FieldLogger to inject.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
