package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/memoir/internal/answer"
	"github.com/kalambet/memoir/internal/api"
	"github.com/kalambet/memoir/internal/config"
	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/indexsync"
	"github.com/kalambet/memoir/internal/journal"
	"github.com/kalambet/memoir/internal/lexical"
	"github.com/kalambet/memoir/internal/pipeline"
	"github.com/kalambet/memoir/internal/retrieval"
	"github.com/kalambet/memoir/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the memoir server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running memoir server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memoir system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout alongside the HTTP API")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "memoir.pid")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "memoir.lock")
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

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// newLexicalIndex returns the index selected by lexical.backend.
func newLexicalIndex(cfg config.Config) lexical.Index {
	if cfg.Lexical.Backend == "memory" {
		return lexical.NewMemoryIndex()
	}
	return lexical.NewAlgolia(cfg.Algolia.AppID, cfg.Algolia.APIKey, cfg.Algolia.Index)
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "memoir version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// One server per data dir.
	lock := flock.New(lockFilePath(cfg.Storage.DataDir))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring server lock: %w", err)
	}
	if !locked {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("memoir is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running (lock held on %s)", lock.Path())
	}
	defer lock.Unlock()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	apiToken, err := config.APIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "path", filepath.Join(cfg.Storage.DataDir, "api_token"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(engine.Config{
		Backend:       cfg.Engine.Backend,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
		OllamaBaseURL: cfg.Ollama.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("creating inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr, cfg.Models.Embed, cfg.Models.Completion, cfg.KeywordModel()); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if n, err := store.ResetRunningJobs(ctx); err != nil {
		slog.Warn("resetting interrupted jobs", "error", err)
	} else if n > 0 {
		slog.Info("requeued interrupted index jobs", "count", n)
	}

	index := newLexicalIndex(cfg)
	if err := index.Configure(ctx); err != nil {
		slog.Warn("configuring lexical index", "backend", cfg.Lexical.Backend, "error", err)
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Models.Embed, cfg.Embed.CacheSize)
	svc := journal.NewService(store, embedder, index)

	// The in-process index starts empty.
	if cfg.Lexical.Backend == "memory" {
		warmIndex(ctx, store, svc)
	}

	fuser := retrieval.NewFuser(embedder, index, store, retrieval.FusionConfig{
		Boost:     cfg.Fusion.Boost,
		Threshold: cfg.Fusion.Threshold,
	})
	synth := answer.NewSynthesizer(eng, answer.Config{
		Model:            cfg.Models.Completion,
		KeywordModel:     cfg.KeywordModel(),
		Temperature:      cfg.Answer.Temperature,
		MaxTokens:        cfg.Answer.MaxTokens,
		KeywordMaxTokens: cfg.Answer.KeywordMaxTokens,
	})
	searchOpts := []pipeline.SearcherOption{pipeline.WithHistory(store)}
	if cfg.Lexical.UseKeywords {
		searchOpts = append(searchOpts, pipeline.WithKeywordSearch(synth))
	}
	searcher := pipeline.NewSearcher(fuser, synth, searchOpts...)

	handler := api.NewAppHandler(api.AppDeps{
		Journal:  svc,
		Asker:    searcher,
		Sessions: pipeline.NewSessions(searcher, 0),
		Keywords: synth,
		History:  store,
		Token:    apiToken,
	})

	worker := indexsync.NewWorker(store, svc, 0)
	go worker.Run(ctx)

	if mcpStdio {
		if cfg.Journal.User == "" {
			slog.Warn("journal.user is not set; MCP tools will report not authenticated")
		}
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Journal:  svc,
			Asker:    searcher,
			Finder:   fuser,
			Keywords: synth,
			History:  store,
			Username: cfg.Journal.User,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "memoir listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type userLister interface {
	Usernames(ctx context.Context) ([]string, error)
}

type reindexer interface {
	Reindex(ctx context.Context, username string) (journal.ReindexStats, error)
}

// warmIndex fills an empty index from the store, one user at a time.
func warmIndex(ctx context.Context, users userLister, r reindexer) {
	names, err := users.Usernames(ctx)
	if err != nil {
		slog.Warn("warming lexical index", "error", err)
		return
	}
	for _, u := range names {
		stats, err := r.Reindex(ctx, u)
		if err != nil {
			slog.Warn("warming lexical index", "user", u, "error", err)
			continue
		}
		slog.Debug("lexical index warmed", "user", u, "entries", stats.Indexed)
	}
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
		printError("memoir is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop memoir (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to memoir (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	running := err == nil
	switch {
	case !running:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		running = false
	}

	printStatus("Engine", "%s", cfg.Engine.Backend)
	printStatus("Embed model", "%s", cfg.Models.Embed)
	printStatus("Completion model", "%s", cfg.Models.Completion)
	printStatus("Lexical index", "%s", cfg.Lexical.Backend)
	if cfg.Journal.User != "" {
		printStatus("User", "%s", cfg.Journal.User)
	}

	if running && cfg.Journal.User != "" {
		if resp, err := client.get(ctx, "/entries?limit=100"); err == nil {
			var entries []api.EntryJSON
			if decodeJSON(resp, &entries) == nil {
				printStatus("Entries", "%s", countLabel(len(entries), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Settings", "%s", config.Location())
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
