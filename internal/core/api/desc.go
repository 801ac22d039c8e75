package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

/*
 * Hand-written service descriptor.
 *
 * Every method is unary Struct -> Struct, so one handler constructor covers
 * the whole service and no generated code is needed. Wire names follow the
 * usual /<package>.<Service>/<Method> form.
 */

type adminMethod func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call adminMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// AdminServiceDesc is the grpc.ServiceDesc for the admin service.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("RunAttribution", AdminServer.RunAttribution),
		unaryHandler("DeliverEventReports", AdminServer.DeliverEventReports),
		unaryHandler("DeliverAggregateReports", AdminServer.DeliverAggregateReports),
		unaryHandler("RegisterSource", AdminServer.RegisterSource),
		unaryHandler("RegisterTrigger", AdminServer.RegisterTrigger),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "attributor/admin/v1/admin.proto",
}

// AdminClient calls the admin service over a client connection.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient wraps cc.
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// Call invokes method (e.g. "RunAttribution") with in.
func (c *AdminClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
