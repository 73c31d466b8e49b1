package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/callpipe/callpipe/internal/api"
	"github.com/callpipe/callpipe/internal/audio"
	"github.com/callpipe/callpipe/internal/config"
	"github.com/callpipe/callpipe/internal/enrich"
	"github.com/callpipe/callpipe/internal/objstore"
	"github.com/callpipe/callpipe/internal/pbx"
	"github.com/callpipe/callpipe/internal/storage"
	"github.com/callpipe/callpipe/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the callpipe server and workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running callpipe server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show callpipe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "callpipe.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "callpipe version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireAIKey(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: a second worker pool on the same database would
	// be harmless (claims are atomic) but confusing.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("callpipe is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("callpipe is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Recording cache: S3-compatible bucket when configured, a local
	// directory under the data dir otherwise.
	var cache objstore.Store
	if cfg.Cache.Endpoint != "" {
		minioStore, err := objstore.NewMinioStore(objstore.MinioConfig{
			Endpoint:  cfg.Cache.Endpoint,
			AccessKey: cfg.Cache.AccessKey,
			SecretKey: cfg.Cache.SecretKey,
			Bucket:    cfg.Cache.Bucket,
			UseSSL:    cfg.Cache.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("connecting to recording cache: %w", err)
		}
		cache = minioStore
		slog.Info("recording cache enabled", "endpoint", cfg.Cache.Endpoint, "bucket", cfg.Cache.Bucket)
	} else {
		localStore, err := objstore.NewLocalStore(filepath.Join(cfg.Storage.DataDir, "cache"))
		if err != nil {
			return fmt.Errorf("opening local recording cache: %w", err)
		}
		cache = localStore
	}

	// Audio processing: compression needs ffmpeg; without it recordings stay
	// as normalized WAV.
	var transcoder audio.Transcoder
	if cfg.AI.FFmpegPath != "" {
		transcoder = &audio.FFmpegTranscoder{Path: cfg.AI.FFmpegPath}
	} else {
		slog.Warn("no ffmpeg configured, recordings will not be compressed")
	}
	normalizer := audio.NewNormalizer(transcoder)

	aiCfg := enrich.OpenAIConfig{
		APIKey:          cfg.AI.APIKey,
		BaseURL:         cfg.AI.BaseURL,
		TranscribeModel: cfg.AI.TranscribeModel,
		SentimentModel:  cfg.AI.SentimentModel,
	}
	invoker := enrich.NewInvoker(
		enrich.NewOpenAITranscriber(aiCfg),
		enrich.NewOpenAIAnalyzer(aiCfg),
		cfg.AI.MaxTranscriptChars,
	)

	vendorClient := pbx.NewClient(cfg.Vendor.RequestTimeout, cfg.Vendor.SessionTTL)
	pipeline := worker.NewPipeline(store, vendorClient, normalizer, invoker, cache)
	pool := worker.NewPool(store, pipeline, worker.Options{
		Workers:      cfg.Workers.Count,
		PollInterval: cfg.Workers.PollInterval,
		LeaseTTL:     cfg.Workers.LeaseTTL,
		BackoffBase:  cfg.Workers.BackoffBase,
		BackoffCap:   cfg.Workers.BackoffCap,
	})

	// Stranded claims from a previous crash become claimable right away
	// instead of waiting for the first sweep.
	if n, err := store.ReclaimExpiredLeases(); err != nil {
		slog.Warn("startup lease reclaim failed", "error", err)
	} else if n > 0 {
		slog.Info("reclaimed stale jobs from previous run", "count", n)
	}

	handler := api.NewHandler(api.Deps{
		Store:       store,
		MaxAttempts: cfg.Workers.MaxAttempts,
		AdminToken:  cfg.Server.AdminToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			slog.Error("worker pool stopped", "error", err)
		}
	}()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "callpipe listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Let in-flight jobs finish before closing the store.
	stop()
	select {
	case <-poolDone:
	case <-time.After(30 * time.Second):
		slog.Warn("worker pool did not drain in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("callpipe is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop callpipe (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to callpipe (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		apiCl := &apiClient{
			baseURL:    serverURL,
			token:      cfg.Server.AdminToken,
			httpClient: client,
		}
		statsResp, err := apiCl.get(context.Background(), "/admin/stats")
		if err == nil {
			var stats map[string]int
			if decodeJSON(statsResp, &stats) == nil {
				printStatus("Jobs", "pending=%d running=%d succeeded=%d retry_scheduled=%d failed=%d",
					stats["pending"], stats["claimed"]+stats["running"], stats["succeeded"],
					stats["retry_scheduled"], stats["failed"])
			}
		}
	}

	if cfg.Cache.Endpoint != "" {
		printStatus("Cache", "%s/%s", cfg.Cache.Endpoint, cfg.Cache.Bucket)
	} else {
		printStatus("Cache", "local (%s)", filepath.Join(cfg.Storage.DataDir, "cache"))
	}
	printStatus("Transcribe model", "%s", cfg.AI.TranscribeModel)
	printStatus("Sentiment model", "%s", cfg.AI.SentimentModel)
	printStatus("Workers", "%d", cfg.Workers.Count)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
