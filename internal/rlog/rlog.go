// Package rlog constructs the builder's structured loggers; each New call
// returns a separate logger.
package rlog

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// New returns a logger configured the way the builder's CLI driver would
// want by default: text-formatted, colored only when stderr is a terminal.
func New() *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.SetFormatter(&logrus.TextFormatter{
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	})
	return log
}
