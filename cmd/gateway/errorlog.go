package main

import (
	stdlog "log"

	"github.com/sirupsen/logrus"
)

// newServerErrorLog routes net/http server errors (TLS handshakes, bad
// requests, recovered panics) into the application log.
func newServerErrorLog(l *logrus.Logger) *stdlog.Logger {
	return stdlog.New(l.WriterLevel(logrus.WarnLevel), "http: ", 0)
}
