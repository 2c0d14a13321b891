// Package obs provides the structured logging helper shared by every
// sphynx package. It is a generalization of the per-package LoggerHelper
// pattern used throughout the crypto package: a small wrapper around
// logrus.Fields that keeps "package" and "function" context attached to
// every log line without repeating WithFields boilerplate at each call
// site.
package obs

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with standardized package/function context fields.
type Logger struct {
	pkg      string
	function string
	fields   logrus.Fields
}

// New creates a logger helper scoped to pkg and function.
func New(pkg, function string) *Logger {
	return &Logger{
		pkg:      pkg,
		function: function,
		fields: logrus.Fields{
			"package":  pkg,
			"function": function,
		},
	}
}

// WithCaller attaches the immediate caller's file:line to the logger.
func (l *Logger) WithCaller() *Logger {
	if pc, file, line, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name := fn.Name()
			if idx := strings.LastIndex(name, "/"); idx >= 0 {
				name = name[idx+1:]
			}
			l.fields["caller"] = fmt.Sprintf("%s:%d", file, line)
			l.fields["caller_func"] = name
		}
	}
	return l
}

// WithField attaches a single extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	l.fields[key] = value
	return l
}

// WithFields merges extra fields into the logger.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError attaches error context.
func (l *Logger) WithError(err error, errorType, operation string) *Logger {
	l.fields["error"] = err.Error()
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

// Entry logs function entry at debug level.
func (l *Logger) Entry(message string) {
	logrus.WithFields(l.fields).Debug("entry: " + message)
}

// Exit logs function exit at debug level.
func (l *Logger) Exit() {
	logrus.WithFields(l.fields).Debug("exit: " + l.function)
}

func (l *Logger) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }
func (l *Logger) Info(message string)  { logrus.WithFields(l.fields).Info(message) }
func (l *Logger) Warn(message string)  { logrus.WithFields(l.fields).Warn(message) }
func (l *Logger) Error(message string) { logrus.WithFields(l.fields).Error(message) }

// BytesPreview renders a short hex preview of sensitive or oversized byte
// slices for safe inclusion in log fields.
func BytesPreview(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := 8
		if len(data) < n {
			n = len(data)
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
