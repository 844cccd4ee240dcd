// Package adjudicatord hosts the dispute engine on a persistent single ledger
// and serves it over HTTP.
package adjudicatord

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"hubchan/core/chain"
	"hubchan/core/events"
	"hubchan/core/types"
	"hubchan/native/apps/hashlock"
	"hubchan/native/apps/ledger"
	"hubchan/observability"
	"hubchan/observability/logging"
	telemetry "hubchan/observability/otel"
	"hubchan/storage"
)

// Main initialises and runs the adjudicator daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/adjudicatord/config.yaml", "path to adjudicatord configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("HUBCHAN_ENV"))
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: serviceName,
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     true,
			Traces:      true,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	defer db.Close()

	ledgerChain, err := NewChain(db, logger)
	if err != nil {
		return err
	}
	auth, err := NewAuthenticator(cfg.Admin, logger)
	if err != nil {
		return err
	}
	var limiter *rate.Limiter
	if cfg.Submissions.PerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Submissions.PerSecond), cfg.Submissions.Burst)
	}
	server, err := NewServer(ledgerChain, auth, limiter, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.BlockInterval.Duration > 0 {
		go RunMiner(stopCtx, ledgerChain, cfg.BlockInterval.Duration, logger)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("adjudicatord listening",
			slog.String("listen", cfg.ListenAddress),
			slog.String("data_dir", cfg.DataDir),
			logging.MaskField("jwt_secret", cfg.Admin.JWTSecret))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewChain opens the ledger over db with the ledger-channel and hashlock
// apps registered.
func NewChain(db storage.Database, logger *slog.Logger) (*chain.Chain, error) {
	c, err := chain.New(db, chain.WithLogger(logger), chain.WithEmitter(eventSink{logger: logger}))
	if err != nil {
		return nil, fmt.Errorf("open chain: %w", err)
	}
	if err := c.RegisterApp(ledger.New()); err != nil {
		return nil, fmt.Errorf("register ledger app: %w", err)
	}
	if err := c.RegisterApp(hashlock.New()); err != nil {
		return nil, fmt.Errorf("register hashlock app: %w", err)
	}
	return c, nil
}

// RunMiner mines one block per interval until ctx ends.
func RunMiner(ctx context.Context, c *chain.Chain, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Mine(ctx, 1); err != nil && ctx.Err() == nil {
				logger.Error("mine block", slog.Any("error", err))
			}
		}
	}
}

// eventSink logs committed events and counts them.
type eventSink struct {
	logger *slog.Logger
}

func (s eventSink) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	observability.Events().Record(evt.EventType())
	attrs := []any{slog.String("type", evt.EventType())}
	if payload, ok := evt.(interface{ Event() *types.Event }); ok {
		if e := payload.Event(); e != nil {
			for k, v := range e.Attributes {
				attrs = append(attrs, slog.String(k, v))
			}
		}
	}
	s.logger.Info("event", attrs...)
}
