package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "storefront", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_WithEndpoint(t *testing.T) {
	// the exporter connects lazily, so an unreachable collector is fine here
	shutdown, err := Init(context.Background(), "storefront", "localhost:4318")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	_ = shutdown(context.Background())
}
