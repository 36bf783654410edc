package rtctrack

import (
	"fmt"
	"io"

	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the engine logger from cfg, writing to out.
func NewLogger(cfg LogConfig, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	if out != nil {
		l.SetOutput(out)
	}
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidArgument, cfg.Level)
	}
	l.SetLevel(lvl)

	switch cfg.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidArgument, cfg.Format)
	}
	return l, nil
}

// NewPionLoggerFactory routes pion's internal logging through l. Each pion
// scope becomes a "scope" field.
func NewPionLoggerFactory(l *logrus.Logger) logging.LoggerFactory {
	return &pionLoggerFactory{base: logrus.NewEntry(l).WithField("component", "pion")}
}

type pionLoggerFactory struct {
	base *logrus.Entry
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{entry: f.base.WithField("scope", scope)}
}

// pionLogger maps pion's trace level to logrus trace.
type pionLogger struct {
	entry *logrus.Entry
}

func (p *pionLogger) Trace(msg string)                          { p.entry.Trace(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.entry.Tracef(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.entry.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.entry.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.entry.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.entry.Infof(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.entry.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.entry.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.entry.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.entry.Errorf(format, args...) }
