package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	prev := tracer
	tracer = tp.Tracer("test")
	t.Cleanup(func() {
		tracer = prev
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestInitializeDisabledIsNoop(t *testing.T) {
	shutdown, err := Initialize(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTurnAndNodeSpans(t *testing.T) {
	rec := useRecorder(t)

	ctx, turn := StartTurnSpan(context.Background(), "thread-1", "user_message")
	_, node := StartNodeSpan(ctx, "supervisor", "task-1")
	End(node, errors.New("router failed"))
	End(turn, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "chatbot.node.supervisor", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, "chatbot.turn", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestTraceparent(t *testing.T) {
	assert.Empty(t, W3CTraceparent(context.Background()))

	useRecorder(t)
	ctx, span := StartHelperSpan(context.Background(), "account.get_balance")
	defer span.End()

	tp := W3CTraceparent(ctx)
	require.NotEmpty(t, tp)
	assert.Contains(t, tp, span.SpanContext().TraceID().String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://qdrant/collections", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)
	assert.Equal(t, tp, req.Header.Get("traceparent"))
}
