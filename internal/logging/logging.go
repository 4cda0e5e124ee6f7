// Package logging builds the application and access loggers from the
// logging section of the configuration.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fabian4/regex-gateway/internal/config"
)

const (
	timestampFormat = "2006-01-02 15:04:05.000"
	keptLogFiles    = 3
	megabyte        = 1 << 20
)

// Loggers bundles the application log and the per-request access log.
type Loggers struct {
	App    *logrus.Logger
	Access *logrus.Logger // nil when the access log is disabled

	closers []io.Closer
}

// New wires the loggers. stdout receives log lines when c.StdOut is set; a
// nil stdout means os.Stdout. When neither a file nor stdout is configured,
// logs go to stderr.
func New(c config.Logging, stdout io.Writer) (*Loggers, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.log_level: %w", err)
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)
	if c.Path != "" {
		if dir := filepath.Dir(c.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("logging.log_path: %w", err)
			}
		}
		rot := &lumberjack.Logger{
			Filename:   c.Path,
			MaxSize:    maxSizeMB(c.FileSizeBytes),
			MaxBackups: keptLogFiles,
			LocalTime:  true,
		}
		writers = append(writers, rot)
		closers = append(closers, rot)
	}
	if c.StdOut {
		writers = append(writers, stdout)
	}
	var out io.Writer = os.Stderr
	if len(writers) > 0 {
		out = io.MultiWriter(writers...)
	}

	app := logrus.New()
	app.Out = out
	app.Level = level
	app.Formatter = &lineFormatter{TimestampFormat: timestampFormat}

	l := &Loggers{App: app, closers: closers}
	if !c.AccessLogDisabled {
		acc := logrus.New()
		acc.Out = out
		acc.Level = logrus.InfoLevel
		acc.Formatter = &logrus.JSONFormatter{DisableTimestamp: true}
		l.Access = acc
	}
	return l, nil
}

// Close flushes and closes any log files.
func (l *Loggers) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// lumberjack rotates by whole megabytes.
func maxSizeMB(bytes int64) int {
	if bytes <= 0 {
		return 0
	}
	mb := (bytes + megabyte - 1) / megabyte
	return int(mb)
}
