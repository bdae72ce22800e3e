package logging

import (
	"github.com/sirupsen/logrus"
)

// DefaultLog provides a default implementation of the Logger interface.
type DefaultLog struct {
	entry *logrus.Entry
}

// Logger instances provide custom logging.
type Logger interface {

	// Log with level ERROR
	Error(...any)

	// Log formatted messages with level ERROR
	Errorf(string, ...any)

	// Log with level WARN
	Warn(...any)

	// Log formatted messages with level WARN
	Warnf(string, ...any)

	// Log with level INFO
	Info(...any)

	// Log formatted messages with level INFO
	Infof(string, ...any)

	// Log with level DEBUG
	Debug(...any)

	// Log formatted messages with level DEBUG
	Debugf(string, ...any)

	// WithFields returns a logger adding the fields to every entry.
	WithFields(map[string]any) Logger
}

// New returns a Logger writing to the standard logrus logger, so it
// follows the output and the level set by Init.
func New() *DefaultLog {
	return &DefaultLog{entry: logrus.NewEntry(logrus.StandardLogger())}
}

// NewWithLogger returns a Logger writing to a custom logrus logger.
func NewWithLogger(l *logrus.Logger) *DefaultLog {
	return &DefaultLog{entry: logrus.NewEntry(l)}
}

func (dl *DefaultLog) getEntry() *logrus.Entry {
	if dl.entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}

	return dl.entry
}

func (dl *DefaultLog) Error(a ...any)            { dl.getEntry().Error(a...) }
func (dl *DefaultLog) Errorf(f string, a ...any) { dl.getEntry().Errorf(f, a...) }
func (dl *DefaultLog) Warn(a ...any)             { dl.getEntry().Warn(a...) }
func (dl *DefaultLog) Warnf(f string, a ...any)  { dl.getEntry().Warnf(f, a...) }
func (dl *DefaultLog) Info(a ...any)             { dl.getEntry().Info(a...) }
func (dl *DefaultLog) Infof(f string, a ...any)  { dl.getEntry().Infof(f, a...) }
func (dl *DefaultLog) Debug(a ...any)            { dl.getEntry().Debug(a...) }
func (dl *DefaultLog) Debugf(f string, a ...any) { dl.getEntry().Debugf(f, a...) }

func (dl *DefaultLog) WithFields(fields map[string]any) Logger {
	return &DefaultLog{entry: dl.getEntry().WithFields(logrus.Fields(fields))}
}
