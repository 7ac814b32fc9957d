package ssh

import "github.com/sirupsen/logrus"

// Logger is the pluggable diagnostic-logging interface used throughout
// this package for the transport-level DEBUG/UNIMPLEMENTED intercepts
// (RFC 4253; IGNORE is dropped without logging), auth banners and
// partial-success notices, and the mux's "drop and warn" unhandled-packet
// policy (RFC 4254). Callers already using a similarly-shaped leveled
// logger can plug it straight in.
type Logger interface {
	Tracef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

// logrusLogger adapts a *logrus.Logger to the Logger interface. It is the
// default used when a Config leaves Logger nil.
type logrusLogger struct {
	*logrus.Logger
}

func (l logrusLogger) Tracef(format string, args ...interface{}) { l.Logger.Tracef(format, args...) }
func (l logrusLogger) Debugf(format string, args ...interface{}) { l.Logger.Debugf(format, args...) }
func (l logrusLogger) Infof(format string, args ...interface{})  { l.Logger.Infof(format, args...) }
func (l logrusLogger) Warnf(format string, args ...interface{})  { l.Logger.Warnf(format, args...) }
func (l logrusLogger) Errorf(format string, args ...interface{}) { l.Logger.Errorf(format, args...) }

// defaultLogger returns a logrus.Logger preconfigured at Warn level, so a
// Config that doesn't set Logger stays quiet by default but still surfaces
// warnings about dropped/unhandled packets.
func defaultLogger() Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrusLogger{l}
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Tracef(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
