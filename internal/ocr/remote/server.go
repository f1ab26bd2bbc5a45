package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	_ "image/png"
	"log/slog"

	"github.com/you-humble/boothscan/internal/ocr"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type recognizerServer interface {
	Recognize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type service struct {
	engine ocr.Engine
}

// RegisterRecognizer serves engine on s under the Recognizer service.
func RegisterRecognizer(s grpc.ServiceRegistrar, engine ocr.Engine) {
	s.RegisterService(&recognizerDesc, &service{engine: engine})
}

func (s *service) Recognize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	raw, err := base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "image is not base64: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode image: %v", err)
	}

	res, err := s.engine.Recognize(ctx, ocr.Input{
		Image:    img,
		Language: fields["language"].GetStringValue(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		slog.Error("recognize failed",
			slog.String("engine", s.engine.Name()),
			slog.String("error", err.Error()),
		)
		return nil, status.Errorf(codes.Internal, "recognize: %v", err)
	}

	return structpb.NewStruct(map[string]any{
		"text":       res.Text,
		"confidence": res.Confidence,
	})
}

func recognizeHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(recognizerServer).Recognize(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: recognizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(recognizerServer).Recognize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var recognizerDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*recognizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Recognize", Handler: recognizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "boothscan/ocr/v1/recognizer",
}
