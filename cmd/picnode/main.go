package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"picnode/internal/config"
	"picnode/internal/httpserver"
	"picnode/internal/logging"
	"picnode/internal/netguard"
	"picnode/internal/status"
	"picnode/internal/thumb"
	"picnode/internal/upload"
	"picnode/internal/visibility"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	var (
		addr    = flag.String("addr", "", "listen address (overrides the configured port)")
		root    = flag.String("root", "", "storage root (overrides config)")
		cache   = flag.String("cache", "", "thumbnail cache dir (overrides config)")
		cfgPath = flag.String("config", "", "path to config json (optional)")
	)
	flag.Parse()

	// A .env next to the binary is a convenience for bare-metal installs;
	// real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *root != "" {
		cfg.StorageRoot = *root
	}
	if *cache != "" {
		cfg.CacheRoot = *cache
	}
	if cfg.CacheRoot == "" {
		cfg.CacheRoot = "data/.cache/thumbnail"
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = "data/.tmp"
	}

	if err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	for _, p := range []*string{&cfg.StorageRoot, &cfg.CacheRoot, &cfg.StagingDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			fatal("resolve path", err)
		}
		*p = abs
		if err := os.MkdirAll(abs, 0o755); err != nil {
			fatal("create dir", err)
		}
	}
	if err := probeStorage(cfg.StorageRoot); err != nil {
		fatal("storage root not writable", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := visibility.New(ctx, cfg)
	if err != nil {
		fatal("visibility store", err)
	}

	thumbs, err := thumb.New(cfg.StorageRoot, cfg.CacheRoot)
	if err != nil {
		fatal("thumbnail cache", err)
	}

	traffic := status.NewTraffic()
	collector := status.NewCollector(cfg.StorageRoot, status.NewCPUSampler(), traffic)

	srv := httpserver.New(httpserver.Options{
		Config:    cfg,
		Store:     store,
		Guard:     netguard.New(cfg),
		Collector: collector,
		Traffic:   traffic,
		Pipeline: &upload.Pipeline{
			StorageRoot: cfg.StorageRoot,
			StagingDir:  cfg.StagingDir,
			Limits:      cfg.Limits,
			Thumbs:      thumbs,
		},
		Thumbs: thumbs,
	})

	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf(":%d", cfg.Port)
	}
	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	logging.Info("picnode listening",
		zap.String("addr", listen),
		zap.String("root", cfg.StorageRoot),
		zap.String("db", cfg.DB.Type),
		zap.Bool("auth", cfg.Auth.Enabled))

	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logging.Warn("shutdown incomplete", zap.Error(err))
	}
	traffic.Close()
	if err := store.Close(shutCtx); err != nil {
		logging.Warn("store close failed", zap.Error(err))
	}
}

// probeStorage verifies the storage root accepts writes before the
// server advertises itself as healthy.
func probeStorage(root string) error {
	probe := filepath.Join(root, ".probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func fatal(msg string, err error) {
	logging.Error(msg, zap.Error(err))
	logging.Sync()
	os.Exit(1)
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: picnode passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(h))
}
