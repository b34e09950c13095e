package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "wigma-ws", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "wigma-ws", "http://127.0.0.1:4318/v1/traces")
	require.NoError(t, err)
	// nothing was recorded, so shutdown has nothing to flush
	assert.NoError(t, shutdown(context.Background()))
}
