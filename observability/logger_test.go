package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "INFO", want: LevelInfo},
		{in: "", want: LevelInfo},
		{in: "warning", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "loud", want: LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultLogger_FieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	logger.Debug("hidden")
	logger.WithFields(map[string]interface{}{"b": 2, "a": 1}).
		WithErr(errors.New("boom")).
		Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[a=1 b=2 error=boom] [WARN] visible")
}

func TestDefaultLogger_WithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriterLogger(&buf, LevelDebug)
	_ = parent.WithFields(map[string]interface{}{"child": true})

	parent.Info("parent line")
	assert.NotContains(t, buf.String(), "child=true")
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	logger.WithFields(map[string]interface{}{"tool": "echo"}).WithErr(errors.New("bad")).Error("failed")

	out := buf.String()
	assert.Contains(t, out, "tool=echo")
	assert.Contains(t, out, "error=bad")
	assert.Contains(t, out, "msg=failed")
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	NewLogrusLogger(base).WithFields(map[string]interface{}{"id": "7"}).WithContext(context.Background()).Info("hello")

	assert.Contains(t, buf.String(), `"id":"7"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.WithFields(map[string]interface{}{"member": 2}).WithErr(errors.New("x")).Warn("slow")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "slow", entry.Message)
	assert.Equal(t, int64(2), entry.ContextMap()["member"])
	assert.Equal(t, "x", entry.ContextMap()["error"])
}

func TestNullLogger(t *testing.T) {
	logger := NewNullLogger()
	assert.Same(t, logger, logger.WithFields(nil))
	assert.Same(t, logger, logger.WithErr(errors.New("ignored")))
}
