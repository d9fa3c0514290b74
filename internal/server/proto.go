package server

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/aegis-agents/chatbot/internal/streaming"
)

// ProtoCodecName is the default gRPC content-subtype. Stock gRPC clients
// generated from chatbot.proto use it.
const ProtoCodecName = "proto"

var (
	chatbotFile   = mustBuildFile()
	requestDesc   = chatbotFile.Messages().ByName("StreamChatRequest")
	chunkDesc     = chatbotFile.Messages().ByName("StreamChatChunk")
	reasoningDesc = chatbotFile.Messages().ByName("ReasoningChunk")
	generatorDesc = chatbotFile.Messages().ByName("GeneratorChunk")
	payloadOneof  = chunkDesc.Oneofs().ByName("payload")
)

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string, oneof *int32) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:       proto.String(name),
		Number:     proto.Int32(number),
		Label:      descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:       typ.Enum(),
		OneofIndex: oneof,
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

// chatbotFileProto mirrors chatbot.proto.
func chatbotFileProto() *descriptorpb.FileDescriptorProto {
	const (
		str = descriptorpb.FieldDescriptorProto_TYPE_STRING
		msg = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)
	payload := proto.Int32(0)
	text := func(name string) *descriptorpb.DescriptorProto {
		return &descriptorpb.DescriptorProto{
			Name:  proto.String(name),
			Field: []*descriptorpb.FieldDescriptorProto{field("text", 1, str, "", nil)},
		}
	}
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("chatbot.proto"),
		Package: proto.String("chatbot"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			text("ReasoningChunk"),
			text("GeneratorChunk"),
			{
				Name: proto.String("StreamChatRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("user_input", 1, str, "", nil),
					field("user_id", 2, str, "", nil),
					field("user_action", 3, str, "", nil),
					field("user_direct_request", 4, str, "", nil),
				},
			},
			{
				Name: proto.String("StreamChatChunk"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("reasoning_chunk", 1, msg, ".chatbot.ReasoningChunk", payload),
					field("generator_chunk", 2, msg, ".chatbot.GeneratorChunk", payload),
					field("conversation_card_json", 3, str, "", payload),
					field("dashboard_cards_json", 4, str, "", payload),
					field("suggestions_json", 5, str, "", payload),
				},
				OneofDecl: []*descriptorpb.OneofDescriptorProto{{Name: proto.String("payload")}},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("ChatbotService"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:            proto.String("StreamChat"),
				InputType:       proto.String(".chatbot.StreamChatRequest"),
				OutputType:      proto.String(".chatbot.StreamChatChunk"),
				ServerStreaming: proto.Bool(true),
			}},
		}},
	}
}

func mustBuildFile() protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(chatbotFileProto(), new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("build chatbot.proto descriptor: %v", err))
	}
	return fd
}

// ProtoCodec encodes the chatbot messages in protobuf wire format and hands
// every other proto.Message to the standard encoder, so it can replace the
// default gRPC codec process-wide.
type ProtoCodec struct{}

// Marshal implements encoding.Codec.
func (ProtoCodec) Marshal(v interface{}) ([]byte, error) {
	var m proto.Message
	switch v := v.(type) {
	case *StreamChatRequest:
		m = requestToProto(v)
	case *streaming.Chunk:
		m = chunkToProto(v)
	case proto.Message:
		m = v
	default:
		return nil, fmt.Errorf("proto codec: cannot marshal %T", v)
	}
	b, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("proto codec: %w", err)
	}
	return b, nil
}

// Unmarshal implements encoding.Codec.
func (ProtoCodec) Unmarshal(data []byte, v interface{}) error {
	switch v := v.(type) {
	case *StreamChatRequest:
		m := dynamicpb.NewMessage(requestDesc)
		if err := proto.Unmarshal(data, m); err != nil {
			return fmt.Errorf("proto codec: %w", err)
		}
		*v = requestFromProto(m)
	case *streaming.Chunk:
		m := dynamicpb.NewMessage(chunkDesc)
		if err := proto.Unmarshal(data, m); err != nil {
			return fmt.Errorf("proto codec: %w", err)
		}
		*v = chunkFromProto(m)
	case proto.Message:
		if err := proto.Unmarshal(data, v); err != nil {
			return fmt.Errorf("proto codec: %w", err)
		}
	default:
		return fmt.Errorf("proto codec: cannot unmarshal into %T", v)
	}
	return nil
}

// Name implements encoding.Codec.
func (ProtoCodec) Name() string { return ProtoCodecName }

// setString sets a string field. Empty strings are left unset so oneof
// members stay unselected.
func setString(m *dynamicpb.Message, name, v string) {
	if v == "" {
		return
	}
	m.Set(m.Descriptor().Fields().ByName(protoreflect.Name(name)), protoreflect.ValueOfString(v))
}

func getString(m protoreflect.Message, name string) string {
	return m.Get(m.Descriptor().Fields().ByName(protoreflect.Name(name))).String()
}

func requestToProto(r *StreamChatRequest) *dynamicpb.Message {
	m := dynamicpb.NewMessage(requestDesc)
	setString(m, "user_input", r.UserInput)
	setString(m, "user_id", r.UserID)
	setString(m, "user_action", string(r.UserAction))
	setString(m, "user_direct_request", string(r.UserDirectRequest))
	return m
}

// requestFromProto keeps the embedded JSON text as is; parseTurn decodes it.
func requestFromProto(m *dynamicpb.Message) StreamChatRequest {
	r := StreamChatRequest{
		UserInput: getString(m, "user_input"),
		UserID:    getString(m, "user_id"),
	}
	if s := getString(m, "user_action"); s != "" {
		r.UserAction = json.RawMessage(s)
	}
	if s := getString(m, "user_direct_request"); s != "" {
		r.UserDirectRequest = json.RawMessage(s)
	}
	return r
}

func textMessage(desc protoreflect.MessageDescriptor, text string) protoreflect.Value {
	m := dynamicpb.NewMessage(desc)
	setString(m, "text", text)
	return protoreflect.ValueOfMessage(m)
}

func chunkToProto(c *streaming.Chunk) *dynamicpb.Message {
	m := dynamicpb.NewMessage(chunkDesc)
	fields := chunkDesc.Fields()
	switch {
	case c.ReasoningChunk != nil:
		m.Set(fields.ByName("reasoning_chunk"), textMessage(reasoningDesc, c.ReasoningChunk.Text))
	case c.GeneratorChunk != nil:
		m.Set(fields.ByName("generator_chunk"), textMessage(generatorDesc, c.GeneratorChunk.Text))
	case c.ConversationCardJSON != "":
		setString(m, "conversation_card_json", c.ConversationCardJSON)
	case c.DashboardCardsJSON != "":
		setString(m, "dashboard_cards_json", c.DashboardCardsJSON)
	case c.SuggestionsJSON != "":
		setString(m, "suggestions_json", c.SuggestionsJSON)
	}
	return m
}

func chunkFromProto(m *dynamicpb.Message) streaming.Chunk {
	var c streaming.Chunk
	which := m.WhichOneof(payloadOneof)
	if which == nil {
		return c
	}
	switch which.Name() {
	case "reasoning_chunk":
		c.ReasoningChunk = &streaming.TextChunk{Text: getString(m.Get(which).Message(), "text")}
	case "generator_chunk":
		c.GeneratorChunk = &streaming.TextChunk{Text: getString(m.Get(which).Message(), "text")}
	case "conversation_card_json":
		c.ConversationCardJSON = m.Get(which).String()
	case "dashboard_cards_json":
		c.DashboardCardsJSON = m.Get(which).String()
	case "suggestions_json":
		c.SuggestionsJSON = m.Get(which).String()
	}
	return c
}
