// Package log configures logrus and adds logging helpers.
package log

import (
	"strings"
	"time"

	"github.com/dreamware/tablesync/internal/protocol"

	"github.com/sirupsen/logrus"
)

// Levels lists the accepted level names, most verbose first.
var Levels = []string{"trace", "debug", "info", "warn", "error"}

// SetLogger sets the default logger's level and formatter.
// Unknown level names fall back to error.
func SetLogger(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(ParseLevel(level))
}

// ParseLevel maps a level name to a logrus level.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.ErrorLevel
	}
}

// EnvelopeToFields summarizes a wire message for structured logging.
// Table contents are reduced to a key count to keep lines short.
func EnvelopeToFields(env protocol.Envelope) logrus.Fields {
	fields := logrus.Fields{
		"type": env.Type,
	}
	if env.Status != "" {
		fields["status"] = env.Status
	}
	if env.Name != "" {
		fields["name"] = env.Name
	}
	if env.ID != nil {
		fields["id"] = *env.ID
	}
	if env.Table != nil {
		fields["keys"] = len(env.Table)
	}
	if env.Terminate {
		fields["terminate"] = true
	}
	return fields
}
