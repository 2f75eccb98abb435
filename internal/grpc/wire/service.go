package wire

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	ServiceName   = "silofleet.AgentService"
	ConnectMethod = "/silofleet.AgentService/Connect"

	// CodecName is the content subtype both ends negotiate.
	CodecName = "json"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Stream is the part of a gRPC stream the handlers use.
type Stream interface {
	Send(*Message) error
	Recv() (*Message, error)
	Context() context.Context
}

// AgentServiceServer is implemented by the control plane.
type AgentServiceServer interface {
	Connect(stream Stream) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "silofleet/agent",
}

func RegisterAgentServiceServer(s grpc.ServiceRegistrar, srv AgentServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentServiceServer).Connect(&serverStream{stream})
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(m *Message) error {
	return s.ServerStream.SendMsg(m)
}

func (s *serverStream) Recv() (*Message, error) {
	m := new(Message)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ClientStream is the agent's end of Connect.
type ClientStream interface {
	Stream
	CloseSend() error
}

type clientStream struct {
	grpc.ClientStream
}

func (c *clientStream) Send(m *Message) error {
	return c.ClientStream.SendMsg(m)
}

func (c *clientStream) Recv() (*Message, error) {
	m := new(Message)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Connect opens the agent stream on cc using the JSON codec.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &clientStream{stream}, nil
}
