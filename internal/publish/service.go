// Package publish streams estimates to gRPC subscribers.
//
// The service is declared by hand rather than generated: it carries a
// single server-streaming method whose request and response are protobuf
// well-known types, so clients in any language can subscribe without a
// shared .proto file.
//
//	service vehiclestate.StateService {
//	  rpc StreamEstimates(google.protobuf.Empty) returns (stream google.protobuf.Struct);
//	}
package publish

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/vehicle-state/internal/estimation"
)

const (
	serviceName          = "vehiclestate.StateService"
	streamEstimatesRoute = "/" + serviceName + "/StreamEstimates"
)

// StateServiceServer is implemented by Publisher.
type StateServiceServer interface {
	StreamEstimates(*emptypb.Empty, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StateServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEstimates",
			Handler:       streamEstimatesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "vehiclestate/state.proto",
}

func streamEstimatesHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StateServiceServer).StreamEstimates(in, stream)
}

// RegisterService registers srv on s.
func RegisterService(s grpc.ServiceRegistrar, srv StateServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// EstimateToStruct encodes an estimate as a protobuf Struct.
func EstimateToStruct(e estimation.Estimate) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"time":       structpb.NewStringValue(e.Time.UTC().Format(time.RFC3339Nano)),
		"vx":         structpb.NewNumberValue(e.VX),
		"vy":         structpb.NewNumberValue(e.VY),
		"yaw_rate":   structpb.NewNumberValue(e.YawRate),
		"slip_angle": structpb.NewNumberValue(e.SlipAngle),
		"mode":       structpb.NewStringValue(e.Mode.String()),
	}}
}

// EstimateFromStruct decodes a Struct written by EstimateToStruct.
func EstimateFromStruct(s *structpb.Struct) (estimation.Estimate, error) {
	f := s.GetFields()
	var e estimation.Estimate
	if ts := f["time"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return e, fmt.Errorf("invalid time %q: %w", ts, err)
		}
		e.Time = t
	}
	e.VX = f["vx"].GetNumberValue()
	e.VY = f["vy"].GetNumberValue()
	e.YawRate = f["yaw_rate"].GetNumberValue()
	e.SlipAngle = f["slip_angle"].GetNumberValue()
	switch m := f["mode"].GetStringValue(); m {
	case estimation.FilterActive.String():
		e.Mode = estimation.FilterActive
	case estimation.FilterInactive.String(), "":
		e.Mode = estimation.FilterInactive
	default:
		return e, fmt.Errorf("unknown filter mode %q", m)
	}
	return e, nil
}

// EstimateStream is the client side of StreamEstimates.
type EstimateStream struct {
	stream grpc.ClientStream
}

// Subscribe opens a StreamEstimates call on conn.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, opts ...grpc.CallOption) (*EstimateStream, error) {
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], streamEstimatesRoute, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EstimateStream{stream: stream}, nil
}

// Recv blocks for the next estimate.
func (s *EstimateStream) Recv() (estimation.Estimate, error) {
	m := new(structpb.Struct)
	if err := s.stream.RecvMsg(m); err != nil {
		return estimation.Estimate{}, err
	}
	return EstimateFromStruct(m)
}
