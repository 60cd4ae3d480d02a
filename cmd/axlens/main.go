// Command axlens captures element trees from live Chrome pages.
//
// Usage:
//
//	axlens -mode snap -url https://example.com          # one-shot tree capture
//	axlens -mode read -url https://example.com          # page as markdown
//	axlens -mode mcp -connect http://localhost:9222     # MCP server on stdio
//	axlens -mode serve -config axlens.yaml              # HTTP API
//	axlens -mode targets -connect http://localhost:9222 # list open pages
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/axlens"
	"github.com/hazyhaar/axlens/dbopen"
	"github.com/hazyhaar/axlens/idgen"
	"github.com/hazyhaar/axlens/internal/httpapi"
	"github.com/hazyhaar/axlens/observability"
)

func main() {
	configPath := flag.String("config", "", "path to axlens.yaml config file")
	mode := flag.String("mode", "snap", "mode: mcp, serve, snap, read, pdf, targets")
	connect := flag.String("connect", "", "browser ws:// url or http://host:port debug endpoint; empty launches Chrome")
	headful := flag.Bool("headful", false, "launch the browser with a visible window")
	target := flag.String("target", "", "existing page target id to operate on")
	url := flag.String("url", "", "url to open before operating")
	depth := flag.Int("depth", -1, "tree depth below body; -1 uses the configured default")
	filter := flag.String("filter", "", "element filter: all or interactive")
	format := flag.String("format", "text", "snap output format: text or json")
	out := flag.String("out", "", "write output to this file instead of stdout")
	auditDB := flag.String("audit-db", "", "sqlite file for the audit/metrics store")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cliOptions{
		mode:    *mode,
		target:  *target,
		url:     *url,
		depth:   *depth,
		filter:  *filter,
		format:  *format,
		out:     *out,
		auditDB: *auditDB,
		connect: *connect,
		headful: *headful,
	}
	if err := run(ctx, logger, *configPath, opts); err != nil {
		logger.Error("axlens: fatal", "error", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	mode    string
	target  string
	url     string
	depth   int
	filter  string
	format  string
	out     string
	auditDB string
	connect string
	headful bool
}

func run(ctx context.Context, logger *slog.Logger, configPath string, opts cliOptions) error {
	cfg := axlens.DefaultConfig()
	if configPath != "" {
		loaded, err := axlens.LoadConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if opts.connect != "" {
		cfg.Browser.Connect = opts.connect
	}
	if opts.headful {
		cfg.Browser.Mode = "headful"
	}
	if opts.auditDB != "" {
		cfg.Observability.Path = opts.auditDB
	}

	var lensOpts []axlens.Option
	var store *observabilityStore
	if cfg.Observability.Path != "" {
		s, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		store = s
		defer store.Close()
		lensOpts = append(lensOpts,
			axlens.WithAudit(store.audit),
			axlens.WithEvents(store.events),
			axlens.WithMetrics(store.metrics))
	}

	lens := axlens.New(cfg, logger, lensOpts...)
	if err := lens.Start(ctx); err != nil {
		return err
	}
	defer lens.Stop()

	switch opts.mode {
	case "targets":
		return runTargets(ctx, lens, opts)
	case "snap":
		return runSnap(ctx, lens, opts)
	case "read":
		return runRead(ctx, lens, opts)
	case "pdf":
		return runPDF(ctx, lens, opts)
	case "mcp":
		return runMCP(ctx, lens)
	case "serve":
		return runServe(ctx, logger, lens, cfg, store)
	default:
		return fmt.Errorf("unknown mode %q: want mcp, serve, snap, read, pdf or targets", opts.mode)
	}
}

// resolveTarget opens the url when one was given, otherwise uses -target.
func resolveTarget(ctx context.Context, lens *axlens.Lens, opts cliOptions) (string, error) {
	if opts.url != "" {
		return lens.Open(ctx, opts.target, opts.url)
	}
	if opts.target == "" {
		return "", errors.New("need -target or -url")
	}
	return opts.target, nil
}

func emit(opts cliOptions, data []byte) error {
	if opts.out != "" {
		return os.WriteFile(opts.out, data, 0o644)
	}
	os.Stdout.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		os.Stdout.Write([]byte("\n"))
	}
	return nil
}

func runTargets(ctx context.Context, lens *axlens.Lens, opts cliOptions) error {
	targets, err := lens.Targets(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(targets, "", "  ")
	if err != nil {
		return err
	}
	return emit(opts, data)
}

func runSnap(ctx context.Context, lens *axlens.Lens, opts cliOptions) error {
	tid, err := resolveTarget(ctx, lens, opts)
	if err != nil {
		return err
	}

	so := axlens.SnapshotOptions{Filter: opts.filter}
	if opts.depth >= 0 {
		so.Depth = &opts.depth
	}

	if opts.format == "json" {
		root, err := lens.Snapshot(ctx, tid, so)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(root, "", "  ")
		if err != nil {
			return err
		}
		return emit(opts, data)
	}

	text, truncated, err := lens.SnapshotText(ctx, tid, so)
	if err != nil {
		return err
	}
	if truncated {
		slog.Warn("axlens: output truncated, retry with -depth or -filter interactive")
	}
	return emit(opts, []byte(text))
}

func runRead(ctx context.Context, lens *axlens.Lens, opts cliOptions) error {
	tid, err := resolveTarget(ctx, lens, opts)
	if err != nil {
		return err
	}
	res, err := lens.Read(ctx, tid)
	if err != nil {
		return err
	}
	return emit(opts, []byte(res.Markdown))
}

func runPDF(ctx context.Context, lens *axlens.Lens, opts cliOptions) error {
	out := opts.out
	if out == "" {
		out = pdfFileName()
	}
	tid, err := resolveTarget(ctx, lens, opts)
	if err != nil {
		return err
	}
	data, pages, err := lens.ExportPDF(ctx, tid)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	slog.Info("axlens: pdf written", "path", out, "bytes", len(data), "pages", pages)
	return nil
}

// pdfFileName names an export when -out is not given. The timestamp prefix
// keeps repeated exports in one directory sorted by capture time.
func pdfFileName() string {
	return idgen.Timestamped(idgen.NanoID(6))() + ".pdf"
}

func runMCP(ctx context.Context, lens *axlens.Lens) error {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "axlens",
		Version: "1.0.0",
	}, nil)
	lens.RegisterMCP(srv)

	slog.Info("axlens: mcp server on stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func runServe(ctx context.Context, logger *slog.Logger, lens *axlens.Lens, cfg *axlens.Config, store *observabilityStore) error {
	var apiOpts []httpapi.Option
	if store != nil {
		apiOpts = append(apiOpts, httpapi.WithEvents(store.events))
	}
	api := httpapi.New(lens, cfg.Serve, logger, apiOpts...)
	api.StartGC(ctx.Done())

	srv := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("axlens: http server starting", "addr", cfg.Serve.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("axlens: http server", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("axlens: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("axlens: shutdown", "error", err)
	}
	return nil
}

// observabilityStore bundles the audit trail, event log, metrics and
// heartbeat writers sharing one sqlite file.
type observabilityStore struct {
	db        *sql.DB
	audit     *observability.AuditLogger
	events    *observability.EventLogger
	metrics   *observability.MetricsManager
	heartbeat *observability.HeartbeatWriter
}

func openStore(ctx context.Context, cfg *axlens.Config, logger *slog.Logger) (*observabilityStore, error) {
	db, err := dbopen.Open(cfg.Observability.Path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open observability db: %w", err)
	}
	if err := observability.Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init observability schema: %w", err)
	}

	days := cfg.Observability.RetentionDays
	if err := observability.Cleanup(ctx, db, observability.RetentionConfig{
		AuditDays:         days,
		SessionEventsDays: days,
		HTTPLogsDays:      days,
		HeartbeatsDays:    days,
	}); err != nil {
		logger.Warn("axlens: observability cleanup", "error", err)
	}

	hb := observability.NewHeartbeatWriter(db, "axlens", cfg.Observability.HeartbeatInterval)
	hb.Start(ctx)

	s := &observabilityStore{
		audit:     observability.NewAuditLogger(db, 64),
		events:    observability.NewEventLogger(db),
		metrics:   observability.NewMetricsManager(db, 64, 5*time.Second),
		heartbeat: hb,
		db:        db,
	}
	return s, nil
}

func (s *observabilityStore) Close() {
	s.heartbeat.Stop()
	s.audit.Close()
	s.metrics.Close()
	s.db.Close()
}
