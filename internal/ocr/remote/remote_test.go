package remote

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/you-humble/boothscan/internal/ocr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, engine ocr.Engine) *client {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryUnaryInterceptor(logger),
		UnaryLoggingInterceptor(logger),
	))
	RegisterRecognizer(srv, engine)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(UnaryClientLoggingInterceptor(logger)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn)
}

func TestRecognize_RoundTrip(t *testing.T) {
	var gotSize image.Point
	var gotLang string
	c := startServer(t, ocr.EngineFunc(func(_ context.Context, in ocr.Input) (ocr.Result, error) {
		gotSize = in.Image.Bounds().Size()
		gotLang = in.Language
		return ocr.Result{Text: "Company: Acme Corp", Confidence: 0.87}, nil
	}))

	res, err := c.Recognize(context.Background(), ocr.Input{
		Image:    image.NewGray(image.Rect(0, 0, 40, 25)),
		Language: "eng",
	})
	require.NoError(t, err)

	assert.Equal(t, "Company: Acme Corp", res.Text)
	assert.InDelta(t, 0.87, res.Confidence, 1e-9)
	assert.Equal(t, image.Pt(40, 25), gotSize)
	assert.Equal(t, "eng", gotLang)
	assert.Equal(t, "grpc", c.Name())
}

func TestRecognize_EngineErrorIsInternal(t *testing.T) {
	c := startServer(t, ocr.EngineFunc(func(context.Context, ocr.Input) (ocr.Result, error) {
		return ocr.Result{}, errors.New("tessdata missing")
	}))

	_, err := c.Recognize(context.Background(), ocr.Input{Image: image.NewGray(image.Rect(0, 0, 4, 4))})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(errors.Unwrap(err)))
}

func TestRecognize_PanicIsRecovered(t *testing.T) {
	c := startServer(t, ocr.EngineFunc(func(context.Context, ocr.Input) (ocr.Result, error) {
		panic("segfault in engine")
	}))

	_, err := c.Recognize(context.Background(), ocr.Input{Image: image.NewGray(image.Rect(0, 0, 4, 4))})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(errors.Unwrap(err)))
}

func TestRecognize_ConfidenceIsClamped(t *testing.T) {
	c := startServer(t, ocr.EngineFunc(func(context.Context, ocr.Input) (ocr.Result, error) {
		return ocr.Result{Text: "x", Confidence: 3}, nil
	}))

	res, err := c.Recognize(context.Background(), ocr.Input{Image: image.NewGray(image.Rect(0, 0, 4, 4))})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Confidence)
}
