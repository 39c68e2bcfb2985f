package tracing

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceprobe/pkg/config"
)

func TestRunScopeLifecycle(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	shutdown, err := Init(context.Background(), config.TracingConfig{ServiceName: "voiceprobe-test"}, logger)
	require.NoError(t, err)
	defer shutdown(context.Background())

	scope := StartRunScope(context.Background(), "run-1")
	got, ok := GetRunScope("run-1")
	require.True(t, ok)
	assert.Same(t, scope, got)

	md := MetadataFromContext(scope.Context())
	require.NotNil(t, md)
	assert.Equal(t, "unknown", md.AdapterOrUnknown())
	md.SetAdapter("websocket")
	md.AddTest("echo")
	assert.Equal(t, []string{"echo"}, md.TestsOrEmpty())

	ctx, span := StartSpan(scope.Context(), "audio_test.echo")
	assert.True(t, span.SpanContext().IsValid())
	EndSpan(span, errors.New("boom"))
	assert.NotNil(t, ctx)

	scope.End(nil)
	scope.End(errors.New("ignored"))
	_, ok = GetRunScope("run-1")
	assert.False(t, ok)
	assert.Error(t, scope.Context().Err())
}

func TestNilScopeIsSafe(t *testing.T) {
	var scope *RunScope
	assert.NotNil(t, scope.Context())
	assert.Nil(t, scope.Metadata())
	scope.SetAttributes()
	scope.End(nil)
	assert.Nil(t, MetadataFromContext(context.Background()))
}
