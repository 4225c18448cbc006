package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "scansync.v1.CaptureService"

// CaptureServer is the daemon's gRPC surface. Messages are protobuf well-known types;
// records travel as structpb.Struct using their JSON field names.
type CaptureServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRecord(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListRecords(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CorrectRecord(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteRecord(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Reextract(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SyncNow(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListSyncFailures(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RetrySync(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	ExportRecords(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
}

func RegisterCaptureServer(s grpc.ServiceRegistrar, srv CaptureServer) {
	s.RegisterService(&captureServiceDesc, srv)
}

var captureServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CaptureServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary("Submit", CaptureServer.Submit)},
		{MethodName: "GetRecord", Handler: unary("GetRecord", CaptureServer.GetRecord)},
		{MethodName: "ListRecords", Handler: unary("ListRecords", CaptureServer.ListRecords)},
		{MethodName: "CorrectRecord", Handler: unary("CorrectRecord", CaptureServer.CorrectRecord)},
		{MethodName: "DeleteRecord", Handler: unary("DeleteRecord", CaptureServer.DeleteRecord)},
		{MethodName: "Reextract", Handler: unary("Reextract", CaptureServer.Reextract)},
		{MethodName: "SyncNow", Handler: unary("SyncNow", CaptureServer.SyncNow)},
		{MethodName: "ListSyncFailures", Handler: unary("ListSyncFailures", CaptureServer.ListSyncFailures)},
		{MethodName: "RetrySync", Handler: unary("RetrySync", CaptureServer.RetrySync)},
		{MethodName: "ExportRecords", Handler: unary("ExportRecords", CaptureServer.ExportRecords)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "scansync/v1/capture.proto",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(CaptureServer, context.Context, PReq) (Resp, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CaptureServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CaptureServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls CaptureService over any client connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func invoke[Resp any, PResp interface {
	*Resp
	proto.Message
}](ctx context.Context, cc grpc.ClientConnInterface, name string, in proto.Message, opts []grpc.CallOption) (PResp, error) {
	out := PResp(new(Resp))
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Submit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "Submit", in, opts)
}

func (c *Client) GetRecord(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "GetRecord", in, opts)
}

func (c *Client) ListRecords(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "ListRecords", in, opts)
}

func (c *Client) CorrectRecord(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "CorrectRecord", in, opts)
}

func (c *Client) DeleteRecord(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "DeleteRecord", in, opts)
}

func (c *Client) Reextract(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "Reextract", in, opts)
}

func (c *Client) SyncNow(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "SyncNow", in, opts)
}

func (c *Client) ListSyncFailures(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "ListSyncFailures", in, opts)
}

func (c *Client) RetrySync(ctx context.Context, in *wrapperspb.Int64Value, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "RetrySync", in, opts)
}

func (c *Client) ExportRecords(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	return invoke[wrapperspb.BytesValue](ctx, c.cc, "ExportRecords", in, opts)
}
