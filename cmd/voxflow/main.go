// Command voxflow runs the voice call runtime: HTTP API, conversation
// pipeline, background job runner, and metrics exporter.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxflow/voxflow/asr"
	"github.com/voxflow/voxflow/audiocache"
	"github.com/voxflow/voxflow/audiolog"
	"github.com/voxflow/voxflow/broadcast"
	"github.com/voxflow/voxflow/config"
	"github.com/voxflow/voxflow/jobs"
	"github.com/voxflow/voxflow/llm"
	"github.com/voxflow/voxflow/logger"
	"github.com/voxflow/voxflow/metrics/prometheus"
	"github.com/voxflow/voxflow/pipeline"
	"github.com/voxflow/voxflow/playback"
	"github.com/voxflow/voxflow/respstore"
	"github.com/voxflow/voxflow/server"
	"github.com/voxflow/voxflow/session"
	"github.com/voxflow/voxflow/statestore"
	"github.com/voxflow/voxflow/tts"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logger.SetVerbose(true)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Error("runtime exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	var store statestore.Store
	var gateway broadcast.Gateway
	var hub *broadcast.Hub

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = statestore.NewRedisStore(client, statestore.WithPrefix(cfg.Redis.Prefix))
		gateway = broadcast.NewRedisGateway(client)
		logger.Info("using redis state store", "addr", cfg.Redis.Addr)
	} else {
		store = statestore.NewMemoryStore()
		hub = broadcast.NewHub()
		gateway = hub
		logger.Info("using in-memory state store with websocket hub")
	}

	chunkLog := audiolog.New(store)

	files, err := respstore.New(
		filepath.Join(cfg.Server.AudioDir, "responses"),
		cfg.Server.BaseURL+"/audio-responses",
	)
	if err != nil {
		return err
	}

	sessions := session.NewManager(
		store,
		cfg.AgentDirectory(),
		gateway,
		session.WithTTL(cfg.Sessions.TTL),
		session.WithGracePeriod(cfg.Sessions.GracePeriod),
		session.WithScheduler(jobs.NewTimerScheduler()),
		session.WithCleanupHook(chunkLog.Purge),
		session.WithCleanupHook(files.Purge),
	)

	asrSvc := asr.NewElevenLabs(cfg.Providers.ElevenLabsKey)

	var llmOpts []llm.OpenAIOption
	if cfg.Providers.LLMModel != "" {
		llmOpts = append(llmOpts, llm.WithOpenAIModel(cfg.Providers.LLMModel))
	}
	llmSvc := llm.NewOpenAI(cfg.Providers.OpenAIKey, llmOpts...)

	var ttsOpts []tts.ElevenLabsOption
	if cfg.Providers.TTSRateLimit > 0 {
		ttsOpts = append(ttsOpts, tts.WithRateLimit(cfg.Providers.TTSRateLimit))
	}
	ttsSvc := tts.NewElevenLabs(cfg.Providers.ElevenLabsKey, ttsOpts...)

	p := pipeline.New(sessions, asrSvc, llmSvc, ttsSvc, audiocache.New(store), gateway,
		pipeline.WithChunkLog(chunkLog),
		pipeline.WithResponseStore(files),
	)

	runner := jobs.NewRunner(p, sessions, gateway,
		jobs.WithConcurrency(cfg.Jobs.Concurrency),
		jobs.WithTimeout(cfg.Jobs.Timeout),
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
	)

	serverOpts := []server.Option{
		server.WithChunkLog(chunkLog),
		server.WithResponseStore(files),
		server.WithJobRunner(runner, filepath.Join(cfg.Server.AudioDir, "uploads")),
	}
	if hub != nil {
		serverOpts = append(serverOpts, server.WithHub(hub))
	}

	srv := server.New(cfg.Server.Addr, sessions, p, playback.NewController(sessions, gateway), serverOpts...)

	var exporter *prometheus.Exporter
	if cfg.Metrics.Enabled {
		exporter = prometheus.NewExporter(cfg.Metrics.Addr)
		go func() {
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics exporter failed", "error", err)
			}
		}()
		logger.Info("metrics exporter listening", "addr", cfg.Metrics.Addr)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}
	runner.Wait()
	if exporter != nil {
		if err := exporter.Shutdown(ctx); err != nil {
			logger.Warn("metrics exporter shutdown failed", "error", err)
		}
	}
	return nil
}
