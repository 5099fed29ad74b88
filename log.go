package usbhost

import "github.com/sirupsen/logrus"

// Logger is the logging sink the core calls through. Applications supply
// one via WithLogger; NewLogrusLogger provides a logrus-backed
// implementation. A Context built without WithLogger discards all output.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps an existing *logrus.Logger as a Logger. Passing nil
// uses logrus' standard logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// nopLogger discards everything; used when a Context is constructed without
// an explicit logger and the caller hasn't opted into output.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
