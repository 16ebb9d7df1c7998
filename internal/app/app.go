// Package app wires together configuration, infrastructure connections, and
// the proxy/analyzer subsystems, then dispatches to the selected run mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/capiproxy/internal/config"
	"github.com/wisbric/capiproxy/internal/httpserver"
	"github.com/wisbric/capiproxy/internal/platform"
	"github.com/wisbric/capiproxy/internal/telemetry"
	"github.com/wisbric/capiproxy/pkg/alert"
	"github.com/wisbric/capiproxy/pkg/analyzer"
	"github.com/wisbric/capiproxy/pkg/cache"
	"github.com/wisbric/capiproxy/pkg/filter"
	"github.com/wisbric/capiproxy/pkg/forwarder"
	"github.com/wisbric/capiproxy/pkg/geoip"
	"github.com/wisbric/capiproxy/pkg/lapi"
	"github.com/wisbric/capiproxy/pkg/loki"
	"github.com/wisbric/capiproxy/pkg/validator"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the mode requested by cfg.Mode: "all" runs the
// proxy and the analyzer scheduler in the same process, "proxy" runs only
// the forwarding HTTP server, "analyzer" runs only the scheduler.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting capiproxy",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "proxy":
		return runProxy(ctx, cfg, logger, db, metricsReg)
	case "analyzer":
		return runAnalyzer(ctx, cfg, logger, db)
	case "all", "":
		return runAll(ctx, cfg, logger, db, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAll(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, metricsReg *prometheus.Registry) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- runProxy(ctx, cfg, logger, db, metricsReg)
	}()
	go func() {
		errCh <- runAnalyzer(ctx, cfg, logger, db)
	}()

	// Either subsystem exiting (including a clean shutdown via ctx
	// cancellation, which returns nil from both) ends the process; the
	// second error is drained so its goroutine doesn't block forever.
	first := <-errCh
	go func() { <-errCh }()
	return first
}

func runProxy(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, metricsReg *prometheus.Registry) error {
	store, err := buildValidationStore(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("building validation store: %w", err)
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	v := buildValidator(cfg, store, logger)
	go v.RunCleanupLoop(ctx, time.Minute)

	geoEnricher, err := geoip.Open(cfg.GeoIP.Path)
	if err != nil {
		return fmt.Errorf("opening geoip database: %w", err)
	}
	defer func() { _ = geoEnricher.Close() }()
	if !geoEnricher.Enabled() {
		logger.Info("geoip enrichment disabled (no database configured)")
	}

	engine := buildFilterEngine(cfg)
	alertStore := alert.NewStore(db)

	fwd := forwarder.New(forwarder.Config{
		CAPIURL: cfg.Proxy.CAPIURL,
		Timeout: cfg.Proxy.Timeout(),
	}, v, engine, geoEnricher, alertStore, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		ReadyChecks: []httpserver.ReadyCheck{
			{Name: "database", Check: func(r *http.Request) error { return db.Ping(r.Context()) }},
			{Name: "capi", Check: capiReachable(cfg.Proxy.CAPIURL)},
		},
	}, logger, metricsReg)
	fwd.Mount(srv.Router)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down proxy server", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func runAnalyzer(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	sched := buildScheduler(cfg, db, logger)
	return sched.Run(ctx)
}

// capiReachable returns a ReadyCheck that confirms the configured CAPI URL
// is at least reachable, without validating any credentials.
func capiReachable(capiURL string) func(r *http.Request) error {
	client := &http.Client{Timeout: 2 * time.Second}
	return func(r *http.Request) error {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, capiURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

// buildValidationStore opens the configured validation store backend:
// "postgres" reuses the shared pool, "sqlite" (the default) opens
// Validation.StorePath or validation_cache.db. Any other backend name is an
// error; a nil store is never returned without an error.
func buildValidationStore(cfg *config.Config, db *pgxpool.Pool, logger *slog.Logger) (cache.Store, error) {
	switch cfg.Validation.StoreBackend {
	case "postgres":
		return cache.NewPostgresStore(db), nil
	case "sqlite", "":
		path := cfg.Validation.StorePath
		if path == "" {
			path = "validation_cache.db"
		}
		sqliteDB, err := platform.NewSQLiteDB(path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite validation store: %w", err)
		}
		logger.Info("validation store backend: sqlite", "path", path)
		return cache.NewSQLiteStore(sqliteDB), nil
	default:
		return nil, fmt.Errorf("unknown validation store backend: %s", cfg.Validation.StoreBackend)
	}
}

func buildValidator(cfg *config.Config, store cache.Store, logger *slog.Logger) *validator.Validator {
	memory := cache.NewLRU(cfg.Validation.MemoryCapacity())
	return validator.New(validator.Config{
		Enabled:           cfg.Validation.Enabled,
		CAPIURL:           cfg.Proxy.CAPIURL,
		ValidationTimeout: cfg.Validation.ValidationTimeout(),
		CacheTTL:          cfg.Validation.CacheTTL(),
		CacheTTLError:     cfg.Validation.CacheTTLError(),
		FailClosed:        cfg.Validation.FailClosed,
		LegacyAPIKeyQuirk: cfg.Validation.LegacyAPIKeyQuirk,
	}, memory, store, logger)
}

// buildFilterEngine constructs the Filter Engine from config. Composite
// filters are resolved in a second pass since they reference other filters
// by name, which may be declared after them in the config list.
func buildFilterEngine(cfg *config.Config) *filter.Engine {
	byName := make(map[string]filter.Filter, len(cfg.Filters))
	var order []string

	for _, rc := range cfg.Filters {
		var f filter.Filter
		switch rc.Kind {
		case "scenario":
			f = filter.NewScenarioFilter(rc.Name, rc.Enabled, rc.Scenarios)
		case "ip_range":
			f = filter.NewIPRangeFilter(rc.Name, rc.Enabled, rc.CIDRs)
		case "machine_id":
			f = &filter.MachineIDFilter{FilterNameField: rc.Name, EnabledField: rc.Enabled, MachineID: rc.MachineID}
		case "composite":
			continue
		default:
			continue
		}
		byName[rc.Name] = f
		order = append(order, rc.Name)
	}

	for _, rc := range cfg.Filters {
		if rc.Kind != "composite" {
			continue
		}
		children := make([]filter.Filter, 0, len(rc.Children))
		for _, childName := range rc.Children {
			if c, ok := byName[childName]; ok {
				children = append(children, c)
			}
		}
		op := filter.OpAnd
		if rc.Op == "or" {
			op = filter.OpOr
		}
		byName[rc.Name] = &filter.CompositeFilter{FilterNameField: rc.Name, EnabledField: rc.Enabled, Op: op, Children: children}
		order = append(order, rc.Name)
	}

	filters := make([]filter.Filter, 0, len(order))
	for _, name := range order {
		filters = append(filters, byName[name])
	}
	return filter.New(filters)
}

func buildScheduler(cfg *config.Config, db *pgxpool.Pool, logger *slog.Logger) *analyzer.Scheduler {
	lokiClient := loki.NewClient(10 * time.Second)
	store := alert.NewStore(db)
	sched := analyzer.New(lokiClient, store, logger)

	lapiClients := make([]*lapi.Client, 0, len(cfg.LAPIServers))
	for _, s := range cfg.LAPIServers {
		lapiClients = append(lapiClients, lapi.NewClient(lapi.Server{Name: s.Name, URL: s.URL, Token: s.Token}, 10*time.Second))
	}

	for _, ac := range cfg.Analyzers {
		var detector analyzer.Detector
		switch ac.Detector {
		case "threshold", "":
			detector = analyzer.NewThresholdDetector(ac.Field, ac.Threshold, ac.Scenario)
		default:
			logger.Warn("unknown analyzer detector kind, skipping analyzer", "analyzer", ac.ID, "detector", ac.Detector)
			continue
		}

		sched.Register(analyzer.Definition{
			ID:       ac.ID,
			Name:     ac.Name,
			Enabled:  ac.Enabled,
			Interval: ac.Interval(),
			Source: loki.Source{
				GrafanaURL:   ac.Source.GrafanaURL,
				BearerToken:  ac.Source.BearerToken,
				DatasourceID: ac.Source.DatasourceID,
			},
			Query: loki.QueryRef{
				Query:    ac.Query.Query,
				MaxLines: ac.Query.MaxLines,
				Lookback: ac.Query.Lookback,
			},
			Extraction: loki.Extraction{Format: ac.Extraction.Format, Fields: ac.Extraction.Fields},
			Detector:   detector,
			LAPIs:      lapiClients,
		})
	}

	return sched
}
