package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, false)
	log.Debug("hidden")
	log.Info("shown", zap.String("thread_id", "t1"))
	_ = log.Sync()

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "thread_id")

	buf.Reset()
	debug := New(&buf, true)
	debug.Debug("now visible")
	_ = debug.Sync()
	assert.Contains(t, buf.String(), "now visible")
}
