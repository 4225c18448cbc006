package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/export"
	"github.com/joseph-ayodele/scansync/internal/extraction"
	"github.com/joseph-ayodele/scansync/internal/imaging"
	"github.com/joseph-ayodele/scansync/internal/llm/openai"
	"github.com/joseph-ayodele/scansync/internal/ocr"
	"github.com/joseph-ayodele/scansync/internal/pipeline"
	"github.com/joseph-ayodele/scansync/internal/server"
	syncengine "github.com/joseph-ayodele/scansync/internal/sync"
	"github.com/joseph-ayodele/scansync/internal/utils"
)

func main() {
	configFile := flag.String("config", os.Getenv("SCANSYNC_CONFIG"), "optional config file (yaml, toml or json)")
	logFormat := flag.String("log-format", utils.Getenv("SCANSYNC_LOG_FORMAT", "text"), "text or json")
	logLevel := flag.String("log-level", utils.Getenv("SCANSYNC_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	logger := utils.NewLogger(os.Stdout, *logFormat, *logLevel)
	slog.SetDefault(logger)

	cfg, err := common.LoadConfig(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := server.ConnectLocal(ctx, cfg.Database, logger)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close local store", "error", err)
		}
	}()

	rs, closeRemote, err := server.ConnectRemote(ctx, cfg.Remote, logger)
	if err != nil {
		logger.Error("failed to set up remote store", "error", err)
		os.Exit(1)
	}
	defer closeRemote()
	if err := server.PingRemote(ctx, rs, logger, 5*time.Second); err != nil {
		// not fatal: captures queue locally until the remote comes back
		logger.Warn("remote store not reachable at startup; starting offline")
	}

	engine := syncengine.NewEngine(store, rs, syncengine.OptionsFromConfig(cfg.Sync), logger)

	completer := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	extractor, err := extraction.NewEngine(completer, extraction.Options{
		DefaultCurrency: cfg.LLM.DefaultCurrency,
		MaxOCRChars:     cfg.LLM.MaxOCRChars,
		ReviewThreshold: float64(cfg.LLM.ReviewThreshold),
		OCRWeight:       float64(cfg.LLM.OCRWeight),
	}, logger)
	if err != nil {
		logger.Error("failed to build extraction engine", "error", err)
		os.Exit(1)
	}

	recognizer := ocr.NewAdapter(newOCREngine(cfg.OCR, logger), cfg.OCR.Timeout, logger)
	coord := pipeline.New(
		imaging.NewNormalizer(imaging.OptionsFromConfig(cfg.Imaging), logger),
		recognizer,
		extractor,
		store,
		logger,
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithQueueSize(cfg.Pipeline.QueueSize),
		// one re-prompt doubles the worst case
		pipeline.WithExtractTimeout(2*cfg.LLM.Timeout),
		pipeline.WithNotifier(engine),
	)

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		if err := engine.Run(ctx); err != nil {
			logger.Error("sync loop stopped", "error", err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-engine.Failures():
				logger.Error("sync.failure", "record_id", f.RecordID, "op_seq", f.Op.Seq, "kind", f.Op.Kind, "error", f.Err)
			}
		}
	}()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor(logger)))
	svc := server.NewCaptureService(coord, store, engine, export.NewService(store, logger), logger)
	server.RegisterCaptureServer(grpcServer, svc)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(server.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	logger.Info("scansyncd listening", "addr", cfg.Server.GRPCAddr, "remote", cfg.Remote.Kind)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	coord.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	<-syncDone
}
