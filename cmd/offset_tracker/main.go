package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/api"
	"github.com/dgnsrekt/offset_tracker/internal/badge"
	"github.com/dgnsrekt/offset_tracker/internal/browser"
	"github.com/dgnsrekt/offset_tracker/internal/cdpcontrol"
	"github.com/dgnsrekt/offset_tracker/internal/config"
	"github.com/dgnsrekt/offset_tracker/internal/controller"
	"github.com/dgnsrekt/offset_tracker/internal/coordinator"
	"github.com/dgnsrekt/offset_tracker/internal/detect"
	"github.com/dgnsrekt/offset_tracker/internal/events"
	"github.com/dgnsrekt/offset_tracker/internal/identity"
	"github.com/dgnsrekt/offset_tracker/internal/journal"
	"github.com/dgnsrekt/offset_tracker/internal/kv"
	"github.com/dgnsrekt/offset_tracker/internal/netutil"
	"github.com/dgnsrekt/offset_tracker/internal/observer"
	"github.com/dgnsrekt/offset_tracker/internal/sink"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load tracker config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("offset_tracker config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"site_filter", cfg.SiteFilter,
		"store_path", cfg.StorePath,
		"journal_dir", cfg.JournalDir,
		"sink_configured", cfg.SinkURL != "",
		"detectors_file", cfg.DetectorsFile,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if err := run(cfg); err != nil {
		slog.Error("offset_tracker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Debug("kv store close failed", "error", err)
		}
	}()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   "https://" + cfg.SiteFilter + "/",
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	cdpClient := cdpcontrol.NewClient(cfg.CDPURL(), cfg.EvalTimeout())
	if err := cdpClient.Connect(ctx); err != nil {
		slog.Error("failed to connect CDP client", "cdp_url", cfg.CDPURL(), "error", err)
		return err
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	browserVersion := cfg.BrowserVersion
	if browserVersion == "" {
		if v, err := cdpClient.BrowserVersion(ctx); err != nil {
			slog.Warn("browser version unavailable", "error", err)
		} else {
			browserVersion = v
		}
	}

	broker := events.NewBroker()
	journalWriter := journal.NewWriter(cfg.JournalDir, journal.DefaultBufferSize, journal.DefaultMaxSizeMB)
	ident := identity.New(store, identity.Options{
		LockExpiry: cfg.LockExpiry(),
		RetryDelay: cfg.LockRetry(),
	})
	coord := coordinator.New(store, coordinator.Config{
		SiteFilter:     cfg.SiteFilter,
		BrowserVersion: browserVersion,
		Identity:       ident,
		Sender:         sink.New(cfg.SinkURL, nil, cfg.SinkTimeout()),
		Journal:        journalWriter,
		Badges:         badge.NewBoard(broker),
		Broker:         broker,
	})

	chains, err := loadChains(cfg.DetectorsFile)
	if err != nil {
		return err
	}
	hub := observer.NewHub(ctx, cdpClient, chains, coord, observer.Config{
		Debounce:     cfg.Debounce(),
		PollInterval: cfg.PollInterval(),
		ClickDelay:   cfg.ClickDelay(),
	})

	svc := controller.NewService(controller.Deps{
		Coordinator: coord,
		Hub:         hub,
		Tabs:        cdpClient,
		Identity:    ident,
		Store:       store,
		OffsetURL:   cfg.OffsetURL,
	})
	if err := svc.Bootstrap(ctx); err != nil {
		slog.Error("installation id unavailable, sessions will not be sent", "error", err)
	}

	offSignal := cdpClient.OnSignal(hub.Signal)
	defer offSignal()

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		return err
	}
	bindAddr := ln.Addr().String()
	srv := &http.Server{Handler: api.NewServer(svc, broker), ReadHeaderTimeout: 10 * time.Second}

	watcher := cdpcontrol.NewWatcher(cdpClient, svc, coord.Tracks, cfg.TabPoll())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	if cfg.DetectorsFile != "" {
		g.Go(func() error {
			return detect.Watch(gctx, cfg.DetectorsFile, chains)
		})
	}
	g.Go(func() error {
		slog.Info("offset_tracker listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("offset_tracker shutdown failed", "error", err)
		}
		return nil
	})

	runErr := g.Wait()

	// Observers first so no count lands after the coordinator drains.
	hub.Close()
	if err := coord.Close(); err != nil {
		slog.Debug("coordinator close failed", "error", err)
	}
	if err := journalWriter.Close(); err != nil {
		slog.Debug("journal close failed", "error", err)
	}
	slog.Info("offset_tracker stopped", "sse_dropped", broker.Dropped())
	return runErr
}

func openStore(path string) (kv.Store, error) {
	if path == "" {
		slog.Warn("TRACKER_STORE_PATH empty, state will not survive restarts")
		return kv.NewMemoryStore(), nil
	}
	return kv.OpenSQLite(path)
}

func loadChains(path string) (*detect.Holder, error) {
	if path == "" {
		return detect.NewHolder(detect.NewChain(detect.DefaultOptions())), nil
	}
	opts, err := detect.LoadOptions(path)
	if err != nil {
		return nil, err
	}
	return detect.NewHolder(detect.NewChain(opts)), nil
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
