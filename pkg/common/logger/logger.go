package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log starts as a plain logrus logger so packages used outside a service
// binary (tests, tools) never dereference nil. Init switches it to JSON.
var Log = logrus.New()

func Init() {
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

// Silence discards all output. Used by tests that exercise noisy paths.
func Silence() {
	Log.SetOutput(io.Discard)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// ForStage tags every entry with the pipeline stage emitting it.
func ForStage(stage string) *logrus.Entry {
	return Log.WithField("stage", stage)
}
