package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// NewLogger returns an entry tagged with the component name. All entries share one
// logger, so level and output changes apply everywhere.
func NewLogger(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Configure sets the level ("debug", "info", ...) and switches to JSON output when asked.
func Configure(level string, json bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	if json {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func SetOutput(w io.Writer) { base.SetOutput(w) }
