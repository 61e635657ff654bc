// Command streamrpcd runs the session-layer daemon: a streamable HTTP
// endpoint with stateful sessions, resumable event streams and cooperative
// cancellation, plus health and metrics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/streamrpc/streamrpc-go/pkg/auth"
	"github.com/streamrpc/streamrpc-go/pkg/dispatch"
	"github.com/streamrpc/streamrpc-go/pkg/eventlog"
	"github.com/streamrpc/streamrpc-go/pkg/logging"
	"github.com/streamrpc/streamrpc-go/pkg/observability"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
	"github.com/streamrpc/streamrpc-go/pkg/session"
	"github.com/streamrpc/streamrpc-go/pkg/transport"
)

const serviceVersion = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamrpcd: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", logging.ErrorField(err))
		os.Exit(1)
	}
}

func buildLogger(cfg loggingConfig) logging.Logger {
	var formatter logging.Formatter
	if cfg.Format == "json" {
		formatter = logging.NewJSONFormatter()
	} else {
		formatter = logging.NewTextFormatter()
	}
	logger := logging.New(os.Stderr, formatter)
	switch cfg.Level {
	case "debug":
		logger.SetLevel(logging.DebugLevel)
	case "warn":
		logger.SetLevel(logging.WarnLevel)
	case "error":
		logger.SetLevel(logging.ErrorLevel)
	default:
		logger.SetLevel(logging.InfoLevel)
	}
	return logger
}

func run(cfg appConfig, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.NewMetrics(observability.MetricsConfig{
		ServiceName:    "streamrpcd",
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	var tracing *observability.TracingProvider
	if cfg.Tracing.Enabled {
		tracing, err = observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    "streamrpcd",
			ServiceVersion: serviceVersion,
			ExporterType:   observability.ExporterType(cfg.Tracing.Exporter),
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(shutCtx)
		}()
	}

	serverCaps := protocol.Capabilities{
		"streams":       {"resumable": true},
		"cancellation":  {},
		"subscriptions": {},
	}
	serverInfo := protocol.Info{Name: "streamrpcd", Version: serviceVersion}

	sessions := session.NewManager(session.Config{
		Mode:            session.Mode(cfg.Session.Mode),
		IdleTimeout:     cfg.Session.IdleTimeout,
		InitTimeout:     cfg.Session.InitTimeout,
		ClosedRetention: cfg.Session.ClosedRetention,
		SweepInterval:   cfg.Session.SweepInterval,
	}, serverCaps, serverInfo, logger)

	events := eventlog.New(eventlog.Config{
		MaxEventsPerStream: cfg.EventLog.MaxEventsPerStream,
		RetentionTTL:       cfg.EventLog.RetentionTTL,
		EvictionGrace:      cfg.EventLog.EvictionGrace,
		SweepInterval:      cfg.EventLog.SweepInterval,
	}, logger)
	resumer := eventlog.NewCoordinator(events, logger)

	registry := dispatch.NewRegistry(logger)
	demo := newDemoHandler(sessions.Stateless(), logger)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		CallTimeout:    cfg.Dispatch.CallTimeout,
	}, demo, registry, logger)

	// A session is reclaimable only when nothing is attached and nothing is
	// in flight.
	sessions.SetIdleCheck(func(sessionID string) bool {
		return events.AttachedConsumers(sessionID) == 0 && registry.PendingCount(sessionID) == 0
	})
	sessions.OnClose(func(sessionID string) {
		registry.CancelSession(sessionID, "session closed")
		events.DropSession(sessionID)
		demo.DropSession(sessionID)
		metrics.SessionClosed("closed")
	})

	handler := transport.NewHandler(transport.Config{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
	}, transport.Deps{
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Events:     events,
		Resumer:    resumer,
		Logger:     logger,
		Metrics:    metrics,
		Tracing:    tracing,
	})
	demo.SetNotifier(handler)

	sessions.Start(ctx)
	defer sessions.Stop()
	events.Start(ctx)
	defer events.Stop()

	var rpcEndpoint http.Handler = handler
	if cfg.Auth.Enabled {
		bearer := auth.NewBearerProvider(staticUsers(cfg.Auth.BearerTokens))
		apikey := auth.NewAPIKeyProvider(staticUsers(cfg.Auth.APIKeys))
		rpcEndpoint = auth.NewMiddleware(bearer, apikey, logger).Wrap(handler)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Handle("/rpc", rpcEndpoint)
	router.Method(http.MethodGet, "/metrics", observability.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			logging.String("addr", cfg.Server.Addr),
			logging.String("mode", cfg.Session.Mode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// staticUsers turns a credential-to-subject table into provider input
func staticUsers(creds map[string]string) map[string]auth.UserInfo {
	users := make(map[string]auth.UserInfo, len(creds))
	for credential, subject := range creds {
		users[credential] = auth.UserInfo{Subject: subject}
	}
	return users
}
