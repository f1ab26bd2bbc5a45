package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/you-humble/boothscan/internal/ocr"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName     = "boothscan.ocr.v1.Recognizer"
	recognizeMethod = "/" + serviceName + "/Recognize"
)

func NewConnection(addr string, logger *slog.Logger) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(UnaryClientLoggingInterceptor(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return conn, nil
}

type client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *client {
	return &client{conn: conn}
}

func (c *client) Name() string { return "grpc" }

func (c *client) Recognize(ctx context.Context, in ocr.Input) (ocr.Result, error) {
	img, err := ocr.EncodePNG(in.Image)
	if err != nil {
		return ocr.Result{}, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"image":    base64.StdEncoding.EncodeToString(img),
		"language": in.Language,
	})
	if err != nil {
		return ocr.Result{}, fmt.Errorf("build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, recognizeMethod, req, resp); err != nil {
		return ocr.Result{}, fmt.Errorf("recognize: %w", err)
	}

	fields := resp.GetFields()
	return ocr.Result{
		Text:       fields["text"].GetStringValue(),
		Confidence: ocr.Clamp(fields["confidence"].GetNumberValue()),
	}, nil
}
