package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/hanpama/fedgraph/internal/config"
	"github.com/hanpama/fedgraph/internal/eventbus"
	"github.com/hanpama/fedgraph/internal/interpreter"
	"github.com/hanpama/fedgraph/internal/logging"
	"github.com/hanpama/fedgraph/internal/metrics"
	"github.com/hanpama/fedgraph/internal/otel"
	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/reload"
	"github.com/hanpama/fedgraph/internal/server"
	"github.com/hanpama/fedgraph/internal/source"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket GraphQL gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(*configPath)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, loader, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the configuration")
	return cmd
}

// sources forwards to the current registry; schema reloads swap it.
type sources struct {
	cur atomic.Pointer[source.Registry]
}

func (s *sources) Fetch(ctx context.Context, req source.Request) (*source.Response, error) {
	return s.cur.Load().Fetch(ctx, req)
}

func (s *sources) Subscribe(ctx context.Context, req source.Request) (source.Stream, error) {
	return s.cur.Load().Subscribe(ctx, req)
}

func buildRegistry(cfg *config.Config, endpoints source.EndpointProvider, logger log.Logger) (*source.Registry, error) {
	var all []source.Source
	for _, s := range cfg.Sources {
		if s.Kind == config.KindConnector {
			cc, err := cfg.ConnectorConfig(s)
			if err != nil {
				return nil, err
			}
			cc.Logger = logger
			c, err := source.NewConnector(cc)
			if err != nil {
				return nil, err
			}
			all = append(all, c)
			continue
		}
		opts := append([]source.Option{source.WithProvider(endpoints), source.WithLogger(logger)}, s.SubgraphOptions()...)
		all = append(all, source.NewSubgraph(s.Name, opts...))
	}
	return source.NewRegistry(all...)
}

func serve(ctx context.Context, loader *config.Loader, cfg *config.Config, logger log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	eventbus.Use(eventbus.New())
	shutdownTracing, err := otel.Setup(cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	endpoints := source.NewStaticEndpoints(cfg.Endpoints())
	registry, err := buildRegistry(cfg, endpoints, logger)
	if err != nil {
		return err
	}
	var srcs sources
	srcs.cur.Store(registry)
	defer func() { _ = srcs.cur.Load().Close() }()

	plansDir := cfg.Resolve(cfg.Plans.Dir)
	store, err := plan.NewStore(plansDir, logger)
	if err != nil {
		return err
	}

	exec := interpreter.New(&srcs,
		interpreter.WithLogger(logger),
		interpreter.WithMetrics(m),
		interpreter.WithMaxParallelism(cfg.Server.MaxParallelism),
	)

	configReload := reload.NewBroadcaster()
	schemaReload := reload.NewBroadcaster()
	opts := []server.Option{
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithForwardHeaders(cfg.Server.ForwardHeaders...),
		server.WithReloads(configReload, schemaReload),
		server.WithMetrics(m),
		server.WithLogger(logger),
	}
	if cfg.Server.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(cfg.Server.CORSOrigins...))
	}
	if cfg.Server.Subscriptions {
		opts = append(opts, server.WithSubscriptions(&srcs, 0))
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", server.New(store, exec, opts...))
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			level.Error(logger).Log("msg", "configuration reload rejected", "err", err)
			return
		}
		for name, urls := range next.Endpoints() {
			endpoints.Set(name, urls)
		}
		n := configReload.Notify()
		level.Info(logger).Log("msg", "configuration reloaded", "subscriptions", n)
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Plans.Watch {
		schemaFiles := cfg.SchemaFiles()
		w, err := reload.NewWatcher(reload.WatchConfig{
			Paths:    append([]string{plansDir}, schemaFiles...),
			Patterns: []string{"*.json"},
			Logger:   logger,
			OnChange: func(_ context.Context, changed []string) {
				if err := store.Reload(); err != nil {
					level.Error(logger).Log("msg", "plan reload failed, keeping previous plans", "err", err)
					return
				}
				if slices.ContainsFunc(changed, func(f string) bool { return touches(schemaFiles, f) }) {
					next, err := buildRegistry(cfg, endpoints, logger)
					if err != nil {
						level.Error(logger).Log("msg", "connector reload failed, keeping previous sources", "err", err)
						return
					}
					srcs.cur.Store(next)
				}
				n := schemaReload.Notify()
				level.Info(logger).Log("msg", "plans reloaded", "plans", len(store.Names()), "subscriptions", n)
			},
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		level.Info(logger).Log("msg", "listening", "addr", cfg.Listen, "plans", len(store.Names()), "sources", len(registry.Names()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()
	level.Info(logger).Log("msg", "stopped")
	return err
}

// touches reports whether changed is one of files.
func touches(files []string, changed string) bool {
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil && abs == changed {
			return true
		}
	}
	return false
}
