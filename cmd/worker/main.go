// Command worker is the transcode worker process entrypoint: load
// config, probe capabilities, wire the coordinator/origin clients, and
// run the supervisor until SIGTERM/SIGINT.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clearreel/transcode-worker/internal/capability"
	"github.com/clearreel/transcode-worker/internal/config"
	"github.com/clearreel/transcode-worker/internal/coordinator"
	"github.com/clearreel/transcode-worker/internal/identity"
	"github.com/clearreel/transcode-worker/internal/origin"
	"github.com/clearreel/transcode-worker/internal/pipeline"
	"github.com/clearreel/transcode-worker/internal/runner"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		// Logger isn't built yet (LogLevel lives in cfg); fall back to
		// stderr directly for the one error that can occur before it.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("startup failed", slog.Any("error", err))
		return 1
	}

	logger := newLogger(cfg.LogLevel)

	startedAt := time.Now()
	id := identity.New(cfg, startedAt)

	probe := capability.New("ffmpeg", 15*time.Second, logger)
	caps := probe.Detect(context.Background())
	logger.Info("capability probe complete",
		slog.Any("encoders", caps.Encoders),
		slog.String("gpu_label", caps.GPULabel))

	coordClient := coordinator.New(cfg.ServerURL, id.WorkerID, id.WorkerKey, logger)
	originClient := origin.New(cfg.OriginTLSInsecureSkipVerify)

	runnerCfg := runner.Config{
		PollInterval:          cfg.PollInterval(),
		HeartbeatInterval:     cfg.HeartbeatInterval(),
		MaxConcurrent:         cfg.MaxConcurrent,
		RegisterRetryInterval: cfg.RegisterRetryInterval(),
		ShutdownGrace:         cfg.ShutdownGrace(),
		ReportHostStats:       true,
	}
	pipelineCfg := pipeline.Config{
		TempDir:              cfg.TempDir,
		FFmpegPath:           "ffmpeg",
		UploadRetries:        cfg.UploadRetries,
		ProgressCoalesce:     time.Second,
		ProgressFailureLimit: cfg.ProgressFailureLimit,
	}
	pipelineDeps := pipeline.Deps{
		Coordinator: coordClient,
		Origin:      originClient,
		Logger:      logger,
	}

	r := runner.New(runnerCfg, coordClient, id, caps, pipelineCfg, pipelineDeps, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := r.Run(ctx); err != nil {
		logger.Error("runner exited with error", slog.Any("error", err))
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})
	return slog.New(handler)
}
