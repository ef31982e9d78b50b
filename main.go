package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/raine/gemini-image-analyzer/config"
	"github.com/raine/gemini-image-analyzer/internal/imagestore"
	"github.com/raine/gemini-image-analyzer/internal/llm"
	"github.com/raine/gemini-image-analyzer/internal/session"
	"github.com/raine/gemini-image-analyzer/internal/storage"
	"github.com/raine/gemini-image-analyzer/internal/web"
)

const (
	logFileName     = "gemini-image-analyzer.log"
	shutdownTimeout = 5 * time.Second
	janitorInterval = time.Minute
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr       string
		configPath string
	)

	cmd := &cobra.Command{
		Use:           "gemini-image-analyzer",
		Short:         "Upload an image and get a Gemini analysis of it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			closeLog, err := setupLogging()
			if err != nil {
				return err
			}
			defer closeLog()

			config.LoadEnvFile()
			cfg, err := config.Resolve(configPath, os.Getenv)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "HTTP listen address (overrides ANALYZER_ADDR)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path (.toml, .yaml or .json)")
	return cmd
}

// setupLogging logs to stderr, and also to a file unless running under
// systemd.
func setupLogging() (func(), error) {
	// JOURNAL_STREAM is set by systemd when running as a service.
	// Skip file logging under systemd (journald handles it, and ProtectSystem=strict
	// makes the working directory read-only).
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return func() {}, nil
	}

	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
	log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))

	log.Info().Str("logFile", logFileName).Msg("logging to file")
	return func() { logFile.Close() }, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	ttl, err := cfg.SessionTTLDuration()
	if err != nil {
		return err
	}

	analyzer := llm.NewGeminiAnalyzer(llm.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.Model,
	})
	if cfg.GeminiAPIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY is not set; analysis requests will fail until it is configured")
	}
	log.Info().Str("model", analyzer.Model()).Msg("gemini vision analyzer initialized")

	var ledger storage.Ledger
	if cfg.LedgerDB != "" {
		sqliteLedger, err := storage.NewSQLiteLedger(cfg.LedgerDB)
		if err != nil {
			return fmt.Errorf("failed to initialize analysis ledger: %w", err)
		}
		defer sqliteLedger.Close()
		ledger = sqliteLedger
		log.Info().Str("dbPath", cfg.LedgerDB).Msg("analysis ledger enabled")
	}

	previews := imagestore.NewPreviewRegistry()
	sessions := session.NewManager(session.Options{
		Analyzer:    analyzer,
		Previews:    previews,
		Ledger:      ledger,
		Model:       analyzer.Model(),
		BaseContext: ctx,
	}, ttl)
	defer sessions.CloseAll()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: web.NewRouter(web.Options{
			Sessions:       sessions,
			Previews:       previews,
			MaxUploadBytes: cfg.MaxUploadBytes,
			CORSOrigins:    cfg.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sessions.RunJanitor(ctx, janitorInterval)
		return nil
	})

	// Graceful shutdown (Ctrl+C / SIGTERM)
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}
