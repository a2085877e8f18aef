// Command server wires the video-to-documentation pipeline's
// components together and exposes them over HTTP.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vidpipe/pipeline/internal/artifact"
	"github.com/vidpipe/pipeline/internal/config"
	"github.com/vidpipe/pipeline/internal/generator"
	"github.com/vidpipe/pipeline/internal/llmclient"
	"github.com/vidpipe/pipeline/internal/media"
	"github.com/vidpipe/pipeline/internal/orchestrator"
	"github.com/vidpipe/pipeline/internal/prompt"
	"github.com/vidpipe/pipeline/internal/relevance"
	"github.com/vidpipe/pipeline/internal/server"
	"github.com/vidpipe/pipeline/internal/session"
	"github.com/vidpipe/pipeline/internal/stt"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg := config.Load()

	store, err := artifact.NewStore(cfg.DataDir)
	if err != nil {
		slog.Error("create artifact store failed", "error", err)
		os.Exit(1)
	}

	index, err := session.OpenIndex(cfg.DataDir + "/index.sqlite")
	if err != nil {
		slog.Error("open session index failed", "error", err)
		os.Exit(1)
	}
	defer index.Close()

	sessions, err := session.NewManager(store, index, cfg.StaleSessionSec, cfg.SweepInterval)
	if err != nil {
		slog.Error("create session manager failed", "error", err)
		os.Exit(1)
	}
	sessions.StartSweeper()
	defer sessions.StopSweeper()

	prompts := prompt.NewRegistry()
	if err := prompts.Load(cfg.PromptsDir); err != nil {
		slog.Error("load prompt registry failed", "dir", cfg.PromptsDir, "error", err)
		os.Exit(1)
	}

	probe := media.NewProbe(cfg.FfprobePath)
	transcoder := media.NewTranscoder(cfg.FfmpegPath)

	fastModel, err := llmclient.NewFast(cfg)
	if err != nil {
		slog.Error("create fast LLM client failed", "error", err)
		os.Exit(1)
	}
	qualityModel, err := llmclient.NewQuality(cfg)
	if err != nil {
		slog.Error("create quality LLM client failed", "error", err)
		os.Exit(1)
	}

	relevanceAnalyzer := relevance.NewAnalyzer(fastModel)
	docGenerator := generator.New(qualityModel)

	var sttLocal stt.Adapter
	if cfg.FastSTTEnabled {
		sttLocal = stt.NewFastAdapter(cfg.FastSTTBinPath, cfg.FastSTTModel)
	}
	var sttRemote stt.Adapter
	if cfg.GroqAPIKey != "" {
		sttRemote = stt.NewAccurateAdapter(cfg.GroqAPIKey)
	}

	orch := orchestrator.New(cfg, sessions, store, prompts, probe, transcoder, sttLocal, sttRemote, relevanceAnalyzer, docGenerator)

	srv := server.New(sessions, orch, store)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-running result/stream reads
	}

	go func() {
		slog.Info("pipeline server starting", "http", cfg.HTTPAddr, "data_dir", cfg.DataDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}
