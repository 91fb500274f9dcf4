// Package logger configures the process logger and carries it through contexts.
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Standard field keys.
const (
	FieldJobID       = "job_id"
	FieldJobType     = "job_type"
	FieldWorkspaceID = "workspace_id"
	FieldComponent   = "component"
	FieldCandidateID = "candidate_id"
)

// Fields is an alias for logrus.Fields.
type Fields = logrus.Fields

type contextKey struct{}

var defaultLogger = New("info", "json", "repost-pipeline", os.Stdout)

// New builds a logrus entry tagged with the service name.
func New(level, format, service string, out io.Writer) *logrus.Entry {
	log := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	log.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.ToLower(format) == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	return log.WithField("service", service)
}

// SetDefault replaces the logger returned by FromContext when none is attached.
func SetDefault(l *logrus.Entry) {
	if l != nil {
		defaultLogger = l
	}
}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l *logrus.Entry) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger attached to ctx or the default logger.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*logrus.Entry); ok {
			return l
		}
	}
	return defaultLogger
}

// WithFields returns a context whose logger carries the extra fields.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return WithContext(ctx, FromContext(ctx).WithFields(fields))
}
