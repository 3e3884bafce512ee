package logger

import (
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/droplink/droplink-api/internal/pkg/env"
)

// Setup configures the global logrus logger and, when SENTRY_DSN is set,
// the Sentry client used for reconciliation-grade faults.
func Setup() {
	logrus.SetOutput(os.Stdout)
	if env.IsDev() {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(env.GetEnv("LOG_LEVEL", "info")))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	dsn := strings.TrimSpace(env.GetEnv("SENTRY_DSN", ""))
	if dsn == "" {
		return
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env.GetEnv("APP_ENV", "prod"),
	}); err != nil {
		logrus.WithError(err).Warn("sentry init failed, continuing without error reporting")
	}
}

// Flush waits for buffered Sentry events before shutdown.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// LogError logs errors with structured context to both console and Sentry
func LogError(errorType string, err error, fields map[string]interface{}) {
	entry := logrus.WithFields(logrus.Fields{
		"error_type": errorType,
	}).WithError(err)
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Error("error occurred")

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_type", errorType)
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// LogEvent logs events with structured context
func LogEvent(eventType string, data map[string]interface{}) {
	entry := logrus.WithField("event_type", eventType)
	for k, v := range data {
		entry = entry.WithField(k, v)
	}
	entry.Info("event occurred")

	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "info",
		Category:  eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}
