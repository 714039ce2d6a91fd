package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	tel, err := Setup(context.Background(), Config{ServiceName: "guidance-agent"})
	require.NoError(t, err)
	require.NotNil(t, tel)

	_, isNoop := tel.TracerProvider().(noop.TracerProvider)
	require.True(t, isNoop)
	require.NoError(t, tel.ForceFlush(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetup_WithEndpoint(t *testing.T) {
	tel, err := Setup(context.Background(), Config{
		Endpoint:    "http://127.0.0.1:4318/",
		ServiceName: "guidance-agent",
		Stage:       "test",
	})
	require.NoError(t, err)
	require.NotNil(t, tel.tracerProvider)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	require.NotNil(t, tel.TracerProvider())
	require.NoError(t, tel.ForceFlush(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()))
}
