package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facegate/internal/config"
	"github.com/your-org/facegate/internal/engine"
	"github.com/your-org/facegate/internal/enroll"
	"github.com/your-org/facegate/internal/gallery"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/queue"
	"github.com/your-org/facegate/internal/reconcile"
	"github.com/your-org/facegate/internal/server"
	"github.com/your-org/facegate/internal/session"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/internal/vision"
	"github.com/your-org/facegate/pkg/wire"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// A positional argument overrides the listen port, for running a
	// second instance against the same config.
	if arg := flag.Arg(0); arg != "" {
		if port, err := strconv.Atoi(arg); err == nil {
			cfg.Server.Port = port
		}
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting facegate server", "port", cfg.Server.Port, "db_driver", cfg.Database.Driver)

	// ONNX Runtime and the three networks. The server cannot make
	// access decisions without them, so any failure here is fatal.
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("onnx runtime init failed", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	det, err := vision.NewDetector(cfg.AI.FaceDetection, float32(cfg.Recognition.DetectionThreshold))
	if err != nil {
		slog.Error("load detection model", "path", cfg.AI.FaceDetection, "error", err)
		os.Exit(1)
	}
	defer det.Close()

	rec, err := vision.NewRecognizer(cfg.AI.FaceRecognition, cfg.AI.EmbeddingDim)
	if err != nil {
		slog.Error("load recognition model", "path", cfg.AI.FaceRecognition, "error", err)
		os.Exit(1)
	}
	defer rec.Close()

	spoof, err := vision.NewAntiSpoof(cfg.AI.AntiSpoof)
	if err != nil {
		slog.Error("load anti-spoof model", "path", cfg.AI.AntiSpoof, "error", err)
		os.Exit(1)
	}
	defer spoof.Close()

	// Store backend
	var repo storage.Repository
	switch cfg.Database.Driver {
	case "sqlite":
		repo, err = storage.NewSQLiteStore(cfg.Database.Path)
	default:
		repo, err = storage.NewPostgresStore(cfg.Database)
	}
	if err != nil {
		slog.Error("open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	// Gallery and recognition engine
	gal := gallery.New()
	eng := engine.New(det, rec, spoof, gal, engine.Config{
		MatchThreshold:    float32(cfg.Recognition.Threshold),
		LivenessThreshold: float32(cfg.Recognition.LivenessThreshold),
		MatchWithLiveness: cfg.Recognition.LivenessEnabled(),
	})

	// Template ingestion never runs the liveness check.
	embedFn := func(record string) ([]float32, error) {
		return eng.Embed(record, false)
	}

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Minute)
	if err := gal.LoadAll(loadCtx, repo, embedFn); err != nil {
		loadCancel()
		slog.Error("load gallery", "error", err)
		os.Exit(1)
	}
	loadCancel()
	slog.Info("gallery loaded", "size", gal.Len())

	// Sessions and enrollment
	registry := session.NewRegistry()
	ctrl := enroll.NewController(registry, repo, cfg.Enroll.Timeout, cfg.Enroll.Shots)
	registry.SetDeviceGoneHook(func(serial string) {
		if ctrl.Cancel(serial) {
			observability.EnrollmentsAborted.Inc()
			slog.Info("enrollment cancelled, device disconnected", "serial", serial)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background reconciler
	rc := reconcile.New(repo, gal, embedFn, cfg.Reconcile.Interval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rc.Run(ctx)
	}()

	router := server.NewRouter(registry, eng, gal, repo, ctrl)

	// Optional NATS event feed
	if cfg.NATS.URL != "" {
		producer, err := queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect to nats", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		if err := producer.EnsureStream(ctx); err != nil {
			slog.Warn("ensure nats stream", "error", err)
		}
		router.SetEventFeed(producer)
		router.AddReadyCheck("nats", func(context.Context) error { return producer.Ping() })
		slog.Info("nats event feed enabled", "url", cfg.NATS.URL)
	}

	// Optional MinIO scan archive
	if cfg.MinIO.Endpoint != "" {
		archive, err := storage.NewScanArchive(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		router.SetArchiver(archive)
		router.AddReadyCheck("minio", archive.Ping)
		slog.Info("scan archive enabled", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     server.NewHTTPHandler(router, cfg.Server.APIKey),
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")
	cancel()

	// Every device gets its buffered state purged before the sockets
	// drop, so nothing replays against the next server instance. Close
	// lets the write pump drain the queued frames; Done confirms the
	// purge frames actually hit the wire before the process exits.
	devices := registry.DeviceSessions()
	for _, dev := range devices {
		if ctrl.Cancel(dev.Serial()) {
			observability.EnrollmentsAborted.Inc()
		}
		_ = dev.Send(wire.DeviceCommand{Cmd: wire.CmdCleanLog})
		_ = dev.Send(wire.DeviceCommand{Cmd: wire.CmdCleanUser})
		dev.Close()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	for _, dev := range devices {
		select {
		case <-dev.Done():
		case <-drainCtx.Done():
			slog.Warn("device session did not drain in time", "serial", dev.Serial())
		}
	}
	drainCancel()

	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("facegate server stopped")
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
