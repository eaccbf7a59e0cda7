package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/yourorg/deposit-orchestrator/internal/telemetry"
)

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := telemetry.Init("deposit-orchestrator", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"unit"`)
	assert.Contains(t, buf.String(), "deposit-orchestrator")
}
