package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"talkready/internal/analytics"
	"talkready/internal/auth"
	"talkready/internal/config"
	"talkready/internal/conversation"
	"talkready/internal/llm"
	"talkready/internal/metrics"
	"talkready/internal/practice"
	"talkready/internal/scheduler"
	"talkready/internal/server"
	"talkready/internal/session"
	"talkready/internal/speech"
	"talkready/internal/storage"
	"talkready/internal/telegram"
	"talkready/internal/transcribe"
	"talkready/internal/upload"
)

const shutdownTimeout = 90 * time.Second

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.New()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("talkready exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.MetricsNamespace)

	llmClient, err := llm.New(cfg)
	if err != nil {
		return err
	}

	uploader, err := upload.New(cfg)
	if err != nil {
		return err
	}
	transcriber, err := transcribe.New(cfg)
	if err != nil {
		return err
	}

	var synth speech.Synthesizer
	if cfg.OpenAIAPIKey != "" {
		synth = speech.NewOpenAISynthesizer(llm.OpenAIConfig(cfg), cfg.TTSModel, cfg.TTSVoice, cfg.TTSFormat)
	} else {
		logger.Warn("no OpenAI key, replies will be text only")
	}

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	scenarios, err := conversation.LoadScenarios(cfg.ScenariosPath)
	if err != nil {
		return err
	}

	var allowRepo auth.Repository
	if cfg.AllowlistFilePath != "" {
		repo, err := auth.NewFileRepository(cfg.AllowlistFilePath)
		if err != nil {
			logger.Warn("failed to init allowlist repo", "error", err)
		} else {
			allowRepo = repo
		}
	}
	authSvc, err := auth.NewWithRepo(allowRepo, cfg.AllowedUsers)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Config{
		LLM:         llmClient,
		Generate:    llm.ReplyOptions(cfg),
		Uploader:    uploader,
		Transcriber: transcriber,
		Synthesizer: synth,
		Store:       store,
		Scenarios:   scenarios,
		Metrics:     m,
		Logger:      logger,
		Duration:    cfg.SessionDuration,
	})
	practiceSvc := practice.NewService(llmClient, llm.ReplyOptions(cfg), uploader, transcriber, store, logger, m)

	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.Job{Name: "checkpoint", Spec: cfg.CheckpointSpec, Run: func(ctx context.Context) error {
		n, err := sessions.Checkpoint(ctx)
		logger.Debug("sessions checkpointed", "count", n)
		return err
	}}); err != nil {
		return err
	}
	if err := sched.Add(scheduler.Job{Name: "daily_report", Spec: cfg.ReportSpec, Run: func(ctx context.Context) error {
		stats, err := analytics.Daily(ctx, store, time.Now().UTC())
		if err != nil {
			return err
		}
		logger.Info("daily report", "date", stats.Date, "sessions", stats.Sessions, "unique_users", stats.UniqueUsers, "summary", stats.Summary())
		return nil
	}}); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Sessions:       sessions,
		Practice:       practiceSvc,
		Auth:           authSvc,
		Metrics:        m,
		Logger:         logger,
		MaxUploadBytes: cfg.UploadMaxBytes,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	if cfg.TelegramBotToken != "" {
		bot, err := telegram.New(cfg.TelegramBotToken, authSvc, sessions, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return bot.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sessions.Shutdown(sctx); err != nil {
			logger.Error("sessions did not end in time", "error", err)
		}
		return httpServer.Shutdown(sctx)
	})
	return g.Wait()
}
