package server

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "perpsettle.v1.Settlement"

// SettlementServer is the gRPC surface of the settlement host.
type SettlementServer interface {
	ConsumeEvents(context.Context, *ConsumeEventsRequest) (*CallResponse, error)
	PruneOrders(context.Context, *PruneOrdersRequest) (*CallResponse, error)
	PurgePosition(context.Context, *PurgePositionRequest) (*CallResponse, error)
	PurgeConditionalSwaps(context.Context, *PurgeConditionalSwapsRequest) (*CallResponse, error)
	SetReferencePrice(context.Context, *SetReferencePriceRequest) (*CallResponse, error)
	PushEvent(context.Context, *PushEventRequest) (*CallResponse, error)
	GetQueue(context.Context, *GetQueueRequest) (*QueueResponse, error)
	GetAccount(context.Context, *GetAccountRequest) (*AccountResponse, error)
}

var _ SettlementServer = (*Service)(nil)

// ServiceDesc is written by hand: messages are plain structs carried by the
// JSON codec, so there is no generated stub.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ConsumeEvents", SettlementServer.ConsumeEvents),
		unary("PruneOrders", SettlementServer.PruneOrders),
		unary("PurgePosition", SettlementServer.PurgePosition),
		unary("PurgeConditionalSwaps", SettlementServer.PurgeConditionalSwaps),
		unary("SetReferencePrice", SettlementServer.SetReferencePrice),
		unary("PushEvent", SettlementServer.PushEvent),
		unary("GetQueue", SettlementServer.GetQueue),
		unary("GetAccount", SettlementServer.GetAccount),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpsettle/v1/settlement.json",
}

func RegisterSettlementServer(s grpc.ServiceRegistrar, srv SettlementServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(SettlementServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SettlementServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SettlementServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Invoke calls one settlement method over cc with the JSON codec.
func Invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req interface{}, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
