package forward

import (
	"io"

	"github.com/sirupsen/logrus"
)

func newTestLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.Out = w
	l.Level = logrus.DebugLevel
	return l
}
