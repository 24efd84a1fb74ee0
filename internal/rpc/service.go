// Package rpc exposes the loop over gRPC. Messages are google.protobuf.Struct
// documents carrying the same JSON the pipeline reads and writes; an empty
// response struct means the operation produced no result.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service-desc

const ServiceName = "oref.loop.v1.LoopService"

const (
	MethodDetermineBasal       = "DetermineBasal"
	MethodAutosens             = "Autosens"
	MethodAutotune             = "Autotune"
	MethodMakeProfiles         = "MakeProfiles"
	MethodCurrentDetermination = "CurrentDetermination"
	MethodEnactOverride        = "EnactOverride"
	MethodEnactTempTarget      = "EnactTempTarget"
)

// LoopServer is the server side of LoopService.
type LoopServer interface {
	DetermineBasal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Autosens(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Autotune(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	MakeProfiles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CurrentDetermination(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	EnactOverride(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	EnactTempTarget(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv LoopServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LoopServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(LoopServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes LoopService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LoopServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodDetermineBasal, LoopServer.DetermineBasal),
		unary(MethodAutosens, LoopServer.Autosens),
		unary(MethodAutotune, LoopServer.Autotune),
		unary(MethodMakeProfiles, LoopServer.MakeProfiles),
		unary(MethodCurrentDetermination, LoopServer.CurrentDetermination),
		unary(MethodEnactOverride, LoopServer.EnactOverride),
		unary(MethodEnactTempTarget, LoopServer.EnactTempTarget),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "oref/loop/v1/loop.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv LoopServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// #endregion

// #region conversion

// toStruct converts any JSON-marshalable value to a Struct. A nil value
// yields the empty struct.
func toStruct(v any) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if v == nil {
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("to struct: %w", err)
	}
	return out, nil
}

// fromStruct decodes s into v. It reports false for an empty struct.
func fromStruct(s *structpb.Struct, v any) (bool, error) {
	if s == nil || len(s.GetFields()) == 0 {
		return false, nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("from struct: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}
	return true, nil
}

// #endregion
