package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/photoverify/internal/apperr"
	"github.com/example/photoverify/internal/metadata"
)

// extractorServer is the handler type checked by grpc.Server.RegisterService.
type extractorServer interface {
	extract(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*extractorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Extract",
			Handler:    extractHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "photoverify/metadata/v1/extractor.proto",
}

func extractHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(extractorServer).extract(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: extractMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(extractorServer).extract(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterExtractorServer exposes ext on s under the metadata extractor
// service name, so a local EXIF reader can serve remote pipelines.
func RegisterExtractorServer(s *grpc.Server, ext metadata.Extractor, logger *zap.Logger) {
	s.RegisterService(&serviceDesc, &extractorService{extractor: ext, logger: logger})
}

type extractorService struct {
	extractor metadata.Extractor
	logger    *zap.Logger
}

func (e *extractorService) extract(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image is empty")
	}
	summary, err := e.extractor.Extract(ctx, in.GetValue())
	if err != nil {
		e.logger.Warn("metadata extraction failed", zap.Error(err), zap.Int("image_bytes", len(in.GetValue())))
		if apperr.Is(err, apperr.KindMetadataExtraction) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	st, err := structpb.NewStruct(encodeSummary(summary))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func encodeSummary(s *metadata.Summary) map[string]any {
	out := map[string]any{}
	if s.DeviceMake != "" {
		out["deviceMake"] = s.DeviceMake
	}
	if s.DeviceModel != "" {
		out["deviceModel"] = s.DeviceModel
	}
	for key, v := range map[string]*int{"iso": s.ISO, "orientation": s.Orientation} {
		if v != nil {
			out[key] = *v
		}
	}
	floats := map[string]*float64{
		"exposureTime": s.ExposureTime,
		"fNumber":      s.FNumber,
		"latitude":     s.Latitude,
		"longitude":    s.Longitude,
		"altitude":     s.Altitude,
	}
	for key, v := range floats {
		if v != nil {
			out[key] = *v
		}
	}
	if s.Timestamp != nil {
		out["timestamp"] = s.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}
