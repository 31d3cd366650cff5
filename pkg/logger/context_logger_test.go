package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AttachesCallFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithCallID(context.Background(), "call-1")
	ctx = WithUserID(ctx, "alice")
	cl.WithContext(ctx).Info("call started")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "call-1", fields["call_id"])
	assert.Equal(t, "alice", fields["user_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestContextLogger_EmptyContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	cl.Sugared(context.Background()).Infow("no fields")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
}

func TestNew_FallsBackOnUnknownLevel(t *testing.T) {
	l := New("loud")
	require.NotNil(t, l)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
