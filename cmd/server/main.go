package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	moodchat "github.com/MegaGrindStone/mood-chat"
	"github.com/MegaGrindStone/mood-chat/internal/handlers"
	"github.com/MegaGrindStone/mood-chat/internal/services"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	cfgFilePath string
	port        string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "mood-chat",
	Short: "Chat with a language model that plays a character in a mood",
	Long: `mood-chat serves a single-page chat where replies stream in as they are generated.

Examples:
  mood-chat                             # uses <config dir>/moodchat/config.yaml
  mood-chat --config ./config.yaml --port 8080
  mood-chat --debug`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFilePath, "config", "", "Path to the config file")
	rootCmd.Flags().StringVar(&port, "port", "", "Port to listen on, overrides the config file")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	appDir := filepath.Join(cfgDir, "moodchat")
	if err := os.MkdirAll(appDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(appDir, "config.yaml")
	}
	cfg, err := loadConfig(cfgFilePath)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	logger := newLogger(cfg)

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	dbPath := cfg.StorePath
	if dbPath == "" {
		dbPath = filepath.Join(appDir, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer func() {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	}()

	m, err := handlers.NewMain(llm, boltDB, logger)
	if err != nil {
		return fmt.Errorf("error creating handlers: %w", err)
	}

	// Serve static files
	staticFS, err := fs.Sub(moodchat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/stop", m.HandleStop)
	mux.HandleFunc("/regenerate", m.HandleRegenerate)
	mux.HandleFunc("/options", m.HandleOptions)
	mux.HandleFunc("/status", m.HandleStatus)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}

	return nil
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config) *slog.Logger {
	level := cfg.logLevel()
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
