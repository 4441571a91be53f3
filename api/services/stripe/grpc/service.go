// Package grpcserver exposes the admin operations of the recurring billing
// service over gRPC and, through grpc-gateway's mux, over HTTP.
package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "recurring.v1.RecurringAdmin"

const (
	methodRunReconcile          = "/" + ServiceName + "/RunReconcile"
	methodListUserSubscriptions = "/" + ServiceName + "/ListUserSubscriptions"
	methodCancelSubscription    = "/" + ServiceName + "/CancelSubscription"
	methodDescribePlan          = "/" + ServiceName + "/DescribePlan"
)

// AdminServer is the server API for the RecurringAdmin service. Messages are
// well-known types so no generated code is needed.
type AdminServer interface {
	RunReconcile(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListUserSubscriptions takes {"user_id": string}.
	ListUserSubscriptions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// CancelSubscription takes {"subscription_id": string}.
	CancelSubscription(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// DescribePlan takes {"plan_id": string}.
	DescribePlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// AdminServiceDesc is the grpc.ServiceDesc for the RecurringAdmin service.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunReconcile", Handler: runReconcileHandler},
		{MethodName: "ListUserSubscriptions", Handler: listUserSubscriptionsHandler},
		{MethodName: "CancelSubscription", Handler: cancelSubscriptionHandler},
		{MethodName: "DescribePlan", Handler: describePlanHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recurring/v1/admin.proto",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

func runReconcileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).RunReconcile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRunReconcile}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).RunReconcile(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listUserSubscriptionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListUserSubscriptions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListUserSubscriptions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListUserSubscriptions(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelSubscriptionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).CancelSubscription(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCancelSubscription}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).CancelSubscription(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func describePlanHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).DescribePlan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDescribePlan}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).DescribePlan(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// AdminClient calls the RecurringAdmin service.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) RunReconcile(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodRunReconcile, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) ListUserSubscriptions(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListUserSubscriptions, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) CancelSubscription(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, methodCancelSubscription, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) DescribePlan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodDescribePlan, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
