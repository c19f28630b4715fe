// Command wassette-host is the long-lived process: it builds the
// Runtime Context, Compilation Cache, Secrets Manager, Resource
// Acquirer, and Lifecycle Manager, optionally provisions components
// from a manifest, then serves the IPC control plane until it
// receives SIGINT/SIGTERM.
//
// Flag parsing here is deliberately minimal — a handful of process
// knobs, not the tool-facing CLI surface that spec.md's Non-goals
// place out of scope.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wassette-dev/wassette/internal/acquire"
	"github.com/wassette-dev/wassette/internal/cache"
	"github.com/wassette-dev/wassette/internal/ipc"
	"github.com/wassette-dev/wassette/internal/lifecycle"
	"github.com/wassette-dev/wassette/internal/profile"
	"github.com/wassette-dev/wassette/internal/provisioner"
	"github.com/wassette-dev/wassette/internal/runtimectx"
	"github.com/wassette-dev/wassette/internal/secrets"
)

func main() {
	pluginDir := flag.String("plugin-dir", defaultPluginDir(), "directory holding cached components, policies, and secrets")
	socketPath := flag.String("socket", ipc.DefaultSocketPath(), "path of the IPC control-plane Unix socket")
	profileName := flag.String("profile", "interactive", "deployment profile: interactive or headless")
	manifestPath := flag.String("manifest", "", "optional provisioning manifest to apply on startup")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, or error")
	flag.Parse()

	logger := newLogger(*logLevel)

	if err := run(context.Background(), logger, config{
		pluginDir:    *pluginDir,
		socketPath:   *socketPath,
		profile:      profile.Parse(*profileName),
		manifestPath: *manifestPath,
	}); err != nil {
		log.Fatal(err)
	}
}

type config struct {
	pluginDir    string
	socketPath   string
	profile      profile.Profile
	manifestPath string
}

func run(ctx context.Context, logger *slog.Logger, cfg config) error {
	if err := os.MkdirAll(cfg.pluginDir, 0o700); err != nil {
		return err
	}

	c, err := cache.New(cfg.pluginDir)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(ctx) }()

	rt, err := runtimectx.New(ctx, runtimectx.Options{
		CompilationCache: c.CompilationCache(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(ctx) }()

	secretsMgr := secrets.New(cfg.pluginDir, logger)
	acquirer := acquire.New(cfg.pluginDir, logger)

	lc := lifecycle.New(lifecycle.Options{
		PluginDir: cfg.pluginDir,
		Cache:     c,
		Secrets:   secretsMgr,
		Runtime:   rt,
		Acquirer:  acquirer,
		Profile:   cfg.profile,
		Logger:    logger,
	})

	logger.Info("wassette-host starting", "plugin_dir", cfg.pluginDir, "profile", cfg.profile.String())

	if cfg.manifestPath != "" {
		if err := applyManifest(ctx, lc, secretsMgr, cfg, logger); err != nil {
			return err
		}
	}

	server := ipc.NewServer(cfg.socketPath, secretsMgr, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received, stopping IPC server")
		_ = server.Close()
	}()

	if err := server.Serve(ctx); err != nil {
		return err
	}

	logger.Info("wassette-host stopped")
	return nil
}

func applyManifest(ctx context.Context, lc *lifecycle.Manager, secretsMgr *secrets.Manager, cfg config, logger *slog.Logger) error {
	data, err := os.ReadFile(cfg.manifestPath)
	if err != nil {
		return err
	}
	manifest, err := provisioner.ParseManifest(data)
	if err != nil {
		return err
	}

	p := provisioner.New(lc, secretsMgr, cfg.pluginDir, logger)

	provisionCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	return p.Provision(provisionCtx, manifest)
}

func defaultPluginDir() string {
	if dir := os.Getenv("WASSETTE_PLUGIN_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wassette"
	}
	return filepath.Join(home, ".local", "share", "wassette")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
