// Package epcislog wraps logrus with the repository's structured-context
// conventions: a component name on every entry, and trace/tenant ids
// threaded through context.Context rather than passed as loose arguments.
package epcislog

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger for component at the given level ("debug".."error")
// and format ("json" or "text").
func New(component, level, format string) *Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	}
	return &Logger{Logger: l, component: component}
}

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	tenantIDKey contextKey = "tenant_id"
)

// NewTraceID mints a fresh trace id.
func NewTraceID() string { return uuid.NewString() }

// WithTraceID returns a context carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID extracts the trace id previously stored by WithTraceID.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// WithTenantID returns a context carrying tenantID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID extracts the tenant id previously stored by WithTenantID.
func GetTenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// WithContext returns a logrus.Entry pre-populated with component,
// trace id and tenant id found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"component": l.component}
	if tid := GetTraceID(ctx); tid != "" {
		fields["trace_id"] = tid
	}
	if ten := GetTenantID(ctx); ten != "" {
		fields["tenant_id"] = ten
	}
	return l.WithFields(fields)
}
