// Package grpcclient talks to a remote metadata extraction service over gRPC.
//
// The wire contract uses well-known protobuf types only: the request is a
// google.protobuf.BytesValue holding the raw image and the response is a
// google.protobuf.Struct keyed like metadata.Summary's JSON form.
package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/photoverify/internal/apperr"
	"github.com/example/photoverify/internal/logging"
	"github.com/example/photoverify/internal/metadata"
)

const (
	serviceName   = "photoverify.metadata.v1.MetadataExtractor"
	extractMethod = "/" + serviceName + "/Extract"
)

// DialMetadataExtractor returns a metadata.Extractor backed by the service at
// addr. Extra dial options are applied after the insecure/blocking defaults.
func DialMetadataExtractor(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (metadata.Extractor, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_metadata_extractor", "", err)
		logger.Error("failed to dial metadata extractor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcExtractor{conn: conn, logger: logger}, conn, nil
}

type grpcExtractor struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcExtractor) Extract(ctx context.Context, image []byte) (*metadata.Summary, error) {
	reply := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, extractMethod, wrapperspb.Bytes(image), reply); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, logging.NewOperationError("grpcclient.extract_metadata", "", ctxErr)
		}
		wrapped := logging.NewOperationError("grpcclient.extract_metadata", "", apperr.MetadataExtraction(err))
		g.logger.Error("metadata extractor call failed", zap.Error(wrapped), zap.Int("image_bytes", len(image)))
		return nil, wrapped
	}
	summary, err := decodeSummary(reply)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_metadata", "", apperr.MetadataExtraction(err))
	}
	return summary, nil
}

func decodeSummary(st *structpb.Struct) (*metadata.Summary, error) {
	fields := st.GetFields()
	s := &metadata.Summary{
		DeviceMake:   fields["deviceMake"].GetStringValue(),
		DeviceModel:  fields["deviceModel"].GetStringValue(),
		ISO:          intField(fields, "iso"),
		Orientation:  intField(fields, "orientation"),
		ExposureTime: floatField(fields, "exposureTime"),
		FNumber:      floatField(fields, "fNumber"),
		Latitude:     floatField(fields, "latitude"),
		Longitude:    floatField(fields, "longitude"),
		Altitude:     floatField(fields, "altitude"),
	}
	if raw := fields["timestamp"].GetStringValue(); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("timestamp %q: %w", raw, err)
		}
		s.Timestamp = &ts
	}
	return s, nil
}

func floatField(fields map[string]*structpb.Value, key string) *float64 {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil
	}
	f := n.NumberValue
	return &f
}

func intField(fields map[string]*structpb.Value, key string) *int {
	f := floatField(fields, key)
	if f == nil {
		return nil
	}
	i := int(*f)
	return &i
}
