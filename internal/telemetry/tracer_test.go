package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracer("council-tui-test", &buf, zerolog.Nop())
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "council.submit")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "council.submit")
	assert.Contains(t, buf.String(), "council-tui-test")
}

func TestInitTracerWithoutWriterIsNoop(t *testing.T) {
	shutdown, err := InitTracer("council-tui-test", nil, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
