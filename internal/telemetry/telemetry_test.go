package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupNoopWhenDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false, Endpoint: "http://localhost:4318"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupShutdownFlushesCleanly(t *testing.T) {
	// Non-routable address so nothing is exported.
	shutdown, err := Setup(context.Background(), Config{Enabled: true, Endpoint: "http://192.0.2.1:4318", ServiceName: "advisor-sim-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
