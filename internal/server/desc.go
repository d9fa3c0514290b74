package server

import (
	"context"

	"google.golang.org/grpc"

	"github.com/aegis-agents/chatbot/internal/streaming"
)

const (
	ServiceName      = "chatbot.ChatbotService"
	streamChatMethod = "/" + ServiceName + "/StreamChat"
)

// ChatbotServiceServer is the server API of the chatbot service.
type ChatbotServiceServer interface {
	StreamChat(*StreamChatRequest, ChatbotService_StreamChatServer) error
}

// ChatbotService_StreamChatServer is the server side of a StreamChat call.
type ChatbotService_StreamChatServer interface {
	Send(*streaming.Chunk) error
	grpc.ServerStream
}

type streamChatServer struct {
	grpc.ServerStream
}

func (s *streamChatServer) Send(c *streaming.Chunk) error {
	return s.ServerStream.SendMsg(c)
}

func streamChatHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(StreamChatRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ChatbotServiceServer).StreamChat(req, &streamChatServer{stream})
}

// ServiceDesc describes chatbot.ChatbotService for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatbotServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamChat",
		Handler:       streamChatHandler,
		ServerStreams: true,
	}},
	Metadata: "chatbot.proto",
}

// RegisterChatbotServiceServer registers srv on s.
func RegisterChatbotServiceServer(s grpc.ServiceRegistrar, srv ChatbotServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ChatbotServiceClient is the client API of the chatbot service.
type ChatbotServiceClient interface {
	StreamChat(ctx context.Context, in *StreamChatRequest, opts ...grpc.CallOption) (ChatbotService_StreamChatClient, error)
}

// ChatbotService_StreamChatClient receives the chunks of one turn.
type ChatbotService_StreamChatClient interface {
	Recv() (*streaming.Chunk, error)
	grpc.ClientStream
}

type chatbotServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewChatbotServiceClient creates a client. Calls use protobuf unless
// grpc.CallContentSubtype(CodecName) selects JSON.
func NewChatbotServiceClient(cc grpc.ClientConnInterface) ChatbotServiceClient {
	return &chatbotServiceClient{cc: cc}
}

func (c *chatbotServiceClient) StreamChat(ctx context.Context, in *StreamChatRequest, opts ...grpc.CallOption) (ChatbotService_StreamChatClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], streamChatMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &streamChatClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type streamChatClient struct {
	grpc.ClientStream
}

func (x *streamChatClient) Recv() (*streaming.Chunk, error) {
	m := new(streaming.Chunk)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
