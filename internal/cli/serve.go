package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ppiankov/wafpolicy/internal/compiler"
	"github.com/ppiankov/wafpolicy/internal/history"
	"github.com/ppiankov/wafpolicy/internal/metrics"
	"github.com/ppiankov/wafpolicy/internal/notify"
	"github.com/ppiankov/wafpolicy/internal/telemetry"
	"github.com/ppiankov/wafpolicy/internal/web"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compiler loop with a status page and /metrics",
	Long: `Start wafpolicy as a long-running agent.

Runs a compilation pass at start, then every pass interval and on SIGHUP.
A failed pass keeps the previous policy file in place.

Endpoints:
  /                 Status page for the last pass
  /metrics          Prometheus scrape endpoint
  /healthz          Liveness probe (returns 503 if no pass succeeded recently)
  /api/v1/pass      JSON report of the last pass
  /api/v1/history   Recorded passes (with --history-db)
  /api/v1/trend     Per-policy compile history (with --history-db)`,
	Example: `  # Run with default config
  wafpolicy serve

  # Standalone agent compiling a local file and rendering nginx
  wafpolicy serve --policy-file /ext/appsec/local_policy.yaml --standalone

  # Override listen address
  wafpolicy serve --listen :9090

  # Run with JSON logging for log aggregation
  wafpolicy serve --log-format json --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addSourceFlags(serveCmd)
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("history-db", "", "Path to SQLite history database (enables /api/v1/history and /api/v1/trend)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	listenFlag, _ := cmd.Flags().GetString("listen") //nolint:errcheck // flag registered above
	if listenFlag != "" {
		cfg.ListenAddr = listenFlag
	}
	historyDB, _ := cmd.Flags().GetString("history-db") //nolint:errcheck // flag registered above
	if historyDB != "" {
		cfg.HistoryPath = historyDB
	}

	opts, err := clusterOptions(cmd, cfg)
	if err != nil {
		return err
	}

	var histStore *history.Store
	if cfg.HistoryPath != "" {
		histStore, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("opening history database: %w", err)
		}
		defer histStore.Close() //nolint:errcheck // best-effort cleanup on shutdown
		slog.Info("history storage enabled", "path", cfg.HistoryPath)
		opts = append(opts, compiler.WithHistory(histStore))
	}

	tracer, tracerShutdown, tracerErr := telemetry.InitTracer(context.Background(), cfg.OTLPEndpoint, version)
	if tracerErr != nil {
		slog.Warn("initializing tracer", "err", tracerErr)
	} else {
		defer tracerShutdown(context.Background()) //nolint:errcheck // best-effort flush
		opts = append(opts, compiler.WithTracer(tracer))
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	opts = append(opts, compiler.WithMetrics(collector))

	if notifier := notify.New(cfg.Notifications); notifier != nil {
		slog.Info("notifications enabled", "webhooks", len(cfg.Notifications.Webhooks))
		opts = append(opts, compiler.WithNotifier(notifier))
	}

	comp := compiler.New(cfg, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/", web.StatusHandler(comp.Last))
	mux.HandleFunc("/healthz", web.HealthzHandler(comp.LastGood, 2*cfg.PassInterval))
	mux.HandleFunc("/api/v1/pass", web.PassHandler(comp.Last))
	if histStore != nil {
		mux.HandleFunc("/api/v1/history", web.HistoryHandler(histStore))
		mux.HandleFunc("/api/v1/trend", web.TrendHandler(histStore))
	}
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP forces an immediate pass.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	trigger := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				select {
				case trigger <- struct{}{}:
				default:
				}
			}
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		comp.Loop(ctx, cfg.PassInterval, trigger)
	}()

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("wafpolicy serve listening", "version", version, "addr", cfg.ListenAddr,
			"source", cfg.Source, "output", cfg.OutputPath, "proxy", cfg.Proxy.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		stop()
		<-loopDone
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-loopDone

	slog.Info("shutdown complete")
	return nil
}
