package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/you-humble/boothscan/internal/infra/config"
	"github.com/you-humble/boothscan/internal/ocr/remote"
	"github.com/you-humble/boothscan/internal/ocr/tesseract"

	"google.golang.org/grpc"
)

// ocrd serves the Tesseract engine over gRPC for workers configured with
// the grpc OCR engine.
func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg := config.MustLoad()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	lis, err := net.Listen("tcp", cfg.OCR.ListenAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.OCR.ListenAddr, err)
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			remote.RecoveryUnaryInterceptor(logger),
			remote.UnaryLoggingInterceptor(logger),
		),
	)
	engine := tesseract.New(tesseract.Config{
		TessdataPrefix: cfg.OCR.TessdataPrefix,
		MaxParallel:    cfg.OCR.MaxParallel,
	})
	remote.RegisterRecognizer(srv, engine)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		srv.GracefulStop()
	}()

	logger.Info("starting OCR server",
		slog.String("addr", cfg.OCR.ListenAddr),
		slog.String("engine", engine.Name()),
	)
	if err := srv.Serve(lis); err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("OCR server stopped")
}
