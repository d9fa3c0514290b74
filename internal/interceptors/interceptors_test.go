package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type stubStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s stubStream) Context() context.Context { return s.ctx }

var info = &grpc.StreamServerInfo{FullMethod: "/chatbot.ChatbotService/StreamChat", IsServerStream: true}

func TestStreamRecoveryTurnsPanicIntoInternal(t *testing.T) {
	ic := StreamRecovery(zaptest.NewLogger(t))
	err := ic(nil, stubStream{ctx: context.Background()}, info, func(interface{}, grpc.ServerStream) error {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestStreamRecoveryPassesErrors(t *testing.T) {
	ic := StreamRecovery(zaptest.NewLogger(t))
	want := status.Error(codes.Aborted, "busy")
	err := ic(nil, stubStream{ctx: context.Background()}, info, func(interface{}, grpc.ServerStream) error {
		return want
	})
	assert.Equal(t, want, err)
}

func TestStreamObserverReturnsHandlerError(t *testing.T) {
	ic := StreamObserver(zaptest.NewLogger(t))
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "req-9"))
	want := errors.New("transport closed")
	err := ic(nil, stubStream{ctx: ctx}, info, func(interface{}, grpc.ServerStream) error { return want })
	assert.Equal(t, want, err)
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "abc"))
	assert.Equal(t, "abc", RequestID(ctx))
}

func TestSplitMethod(t *testing.T) {
	s, m := splitMethod("/chatbot.ChatbotService/StreamChat")
	assert.Equal(t, "chatbot.ChatbotService", s)
	assert.Equal(t, "StreamChat", m)
}
