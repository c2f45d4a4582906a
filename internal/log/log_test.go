package log

import (
	"testing"

	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"trace": logrus.TraceLevel,
		"DEBUG": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"bogus": logrus.ErrorLevel,
		"":      logrus.ErrorLevel,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestSetLogger(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	SetLogger("debug")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestEnvelopeToFields(t *testing.T) {
	fields := EnvelopeToFields(protocol.HandshakeOK(4, map[string]value.Value{"a": value.Null()}))
	assert.Equal(t, "handshake", fields["type"])
	assert.Equal(t, "ok", fields["status"])
	assert.Equal(t, uint64(4), fields["id"])
	assert.Equal(t, 1, fields["keys"])
	assert.NotContains(t, fields, "terminate")

	fields = EnvelopeToFields(protocol.Terminate())
	assert.Equal(t, true, fields["terminate"])
}
