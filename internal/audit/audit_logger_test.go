package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	out := logrus.New()
	out.SetOutput(buf)
	out.SetFormatter(&logrus.JSONFormatter{})
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Logger{out: out, now: func() time.Time { return fixed }}
}

func decodeEvent(t *testing.T, buf *bytes.Buffer) Event {
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, true, line["audit"])

	var event Event
	require.NoError(t, json.Unmarshal([]byte(line["msg"].(string)), &event))
	return event
}

func TestLogger_LogTransfer(t *testing.T) {
	var buf bytes.Buffer
	a := newTestLogger(&buf)

	a.LogTransfer("hash1", "GFROM", "GTO", "10.0000000", "BD", "SUBMITTED")

	event := decodeEvent(t, &buf)
	assert.Equal(t, "TRANSFER", event.EventType)
	assert.Equal(t, "hash1", event.TxHash)
	assert.Equal(t, "10.0000000", event.Amount)
	assert.Equal(t, "BD", event.Asset)
	assert.Equal(t, "GFROM", event.Account)
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	a := newTestLogger(&buf)

	a.LogError("hash2", "GFROM", errors.New("boom"))

	event := decodeEvent(t, &buf)
	assert.Equal(t, "ERROR", event.EventType)
	assert.Equal(t, "FAILED", event.Status)
	assert.Equal(t, map[string]any{"error": "boom"}, event.Details)
}
