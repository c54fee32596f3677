package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lampstack.provider.v1.Provider"

// Requests and responses travel as google.protobuf.Struct so the service
// needs no generated code; the default proto codec handles them.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Provider)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Configure", Handler: unaryHandler("Configure", Provider.Configure)},
		{MethodName: "Plan", Handler: unaryHandler("Plan", Provider.Plan)},
		{MethodName: "Apply", Handler: unaryHandler("Apply", Provider.Apply)},
		{MethodName: "Read", Handler: unaryHandler("Read", Provider.Read)},
		{MethodName: "Delete", Handler: unaryHandler("Delete", Provider.Delete)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lampstack/provider/v1/provider.proto",
}

// RegisterServer exposes p on s.
func RegisterServer(s grpc.ServiceRegistrar, p Provider) {
	s.RegisterService(&serviceDesc, p)
}

func unaryHandler[Req, Resp any](method string, call func(Provider, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, msg any) (any, error) {
			req := new(Req)
			if err := fromStruct(msg.(*structpb.Struct), req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decoding %s request: %v", method, err)
			}
			resp, err := call(srv.(Provider), ctx, req)
			if err != nil {
				if _, ok := status.FromError(err); ok {
					return nil, err
				}
				return nil, status.Error(codes.Unknown, err.Error())
			}
			return toStruct(resp)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

// Remote is a Provider backed by a gRPC connection.
type Remote struct {
	conn grpc.ClientConnInterface
}

// NewRemote wraps an established connection.
func NewRemote(conn grpc.ClientConnInterface) *Remote {
	return &Remote{conn: conn}
}

func (r *Remote) Configure(ctx context.Context, req *ConfigureRequest) (*ConfigureResponse, error) {
	resp := new(ConfigureResponse)
	if err := r.invoke(ctx, "Configure", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Remote) Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error) {
	resp := new(PlanResponse)
	if err := r.invoke(ctx, "Plan", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Remote) Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error) {
	resp := new(ApplyResponse)
	if err := r.invoke(ctx, "Apply", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Remote) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	resp := new(ReadResponse)
	if err := r.invoke(ctx, "Read", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Remote) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	resp := new(DeleteResponse)
	if err := r.invoke(ctx, "Delete", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Remote) invoke(ctx context.Context, method string, in, out any) error {
	args, err := toStruct(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	reply := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, "/"+ServiceName+"/"+method, args, reply); err != nil {
		return err
	}
	if err := fromStruct(reply, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
