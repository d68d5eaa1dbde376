package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "libralend", "test", "", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestExporterOptions(t *testing.T) {
	opts, err := exporterOptions("localhost:4318")
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	opts, err = exporterOptions("http://collector:4318/v1/traces")
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	opts, err = exporterOptions("https://collector")
	require.NoError(t, err)
	assert.Len(t, opts, 1)

	_, err = exporterOptions("ftp://collector")
	assert.Error(t, err)
}
