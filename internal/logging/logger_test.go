package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerTo_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerTo(NewDefaultConfig(), &buf)
	require.NoError(t, err)

	logger.Info(context.Background(), "patch applied", zap.String("branch", "self-heal/issue-1/patch-2"))
	require.NoError(t, logger.Sync())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "patch applied", entry["msg"])
	assert.Equal(t, "self-heal/issue-1/patch-2", entry["branch"])
	assert.Equal(t, "selfheal", entry["service"])
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg)
	require.Error(t, err)
}

func TestContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithIssueID(ctx, "issue-7")
	ctx = WithPatchID(ctx, "patch-9")

	tl.Info(ctx, "validation started")

	tl.AssertLogged(t, zapcore.InfoLevel, "validation started")
	tl.AssertField(t, "validation started", "run.id", "run-1")
	tl.AssertField(t, "validation started", "issue.id", "issue-7")
	tl.AssertField(t, "validation started", "patch.id", "patch-9")
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerTo(NewDefaultConfig(), &buf)
	require.NoError(t, err)

	logger.With(zap.String("api_key", "sk-live-abcdefghijklmnopqrstuvwxyz")).
		Info(context.Background(), "backend ready",
			zap.String("token", "t0ps3cret"),
			zap.String("header", "Bearer abc.def.ghi"),
			Secret("key", config.Secret("hunter2")),
		)

	out := buf.String()
	assert.NotContains(t, out, "sk-live")
	assert.NotContains(t, out, "t0ps3cret")
	assert.NotContains(t, out, "abc.def.ghi")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "[REDACTED:7]")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
}

func TestFromZapNil(t *testing.T) {
	l := FromZap(nil)
	require.NotNil(t, l)
	l.Info(context.Background(), "discarded")
}
