package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/allocator"
	"github.com/Mindburn-Labs/strata/pkg/api"
	"github.com/Mindburn-Labs/strata/pkg/audit"
	"github.com/Mindburn-Labs/strata/pkg/auth"
	"github.com/Mindburn-Labs/strata/pkg/autoscaler"
	"github.com/Mindburn-Labs/strata/pkg/billing"
	"github.com/Mindburn-Labs/strata/pkg/config"
	"github.com/Mindburn-Labs/strata/pkg/controlplane"
	"github.com/Mindburn-Labs/strata/pkg/export"
	"github.com/Mindburn-Labs/strata/pkg/metering"
	"github.com/Mindburn-Labs/strata/pkg/observability"
	"github.com/Mindburn-Labs/strata/pkg/quota"
	"github.com/Mindburn-Labs/strata/pkg/tenants"
	"github.com/Mindburn-Labs/strata/pkg/tiers"

	_ "github.com/lib/pq" // Postgres Driver
)

// idempotencyTTL is how long cached POST responses are replayed.
const idempotencyTTL = 24 * time.Hour

// stores bundles the persistence layer selected by deployment mode.
type stores struct {
	db          *sql.DB
	tenants     tenants.Store
	quotas      quota.Store
	allocs      allocator.Store
	history     autoscaler.History
	rules       billing.RuleStore
	meter       metering.Meter
	idempotency api.IdempotencyStorer

	// needsReplay marks lite mode: quota books live in memory and are
	// rebuilt from the allocation log at boot.
	needsReplay bool
}

//nolint:gocognit,gocyclo
func runServer() {
	fmt.Fprintf(os.Stdout, "%sStrata Control Plane starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var telemetry *observability.Provider
	if cfg.OTLPEndpoint != "" {
		var err error
		telemetry, err = observability.New(ctx, &observability.Config{
			ServiceName:    "strata",
			ServiceVersion: version,
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       cfg.OTLPInsecure,
			CAFile:         cfg.OTLPCAFile,
		})
		if err != nil {
			log.Fatalf("Failed to init telemetry: %v", err)
		}
		log.Printf("[strata] telemetry: exporting to %s", cfg.OTLPEndpoint)
	}

	var (
		st  *stores
		err error
	)
	if cfg.LiteMode() {
		fmt.Fprintf(os.Stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
		st, err = setupLiteStores(cfg.DataDir)
		if err != nil {
			log.Fatalf("Failed to setup Lite Mode: %v", err)
		}
	} else {
		st, err = setupPostgresStores(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to setup Postgres: %v", err)
		}
	}

	registry := tenants.NewRegistry(st.tenants).WithLogger(logger)
	quotas := quota.NewManager(st.quotas).
		WithAlertSink(quota.NewLogSink(logger)).
		WithLogger(logger)

	// Audit trail persists as JSON lines next to the data files.
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	auditFile, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		log.Fatalf("Failed to open audit log: %v", err)
	}
	trail := audit.NewTrail().WithWriter(auditFile)

	var calls quota.CallLimiter
	if cfg.RedisAddr != "" {
		calls = quota.NewRedisCallLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CallsPerMinute, cfg.CallBurst)
		log.Printf("[strata] call limiter: redis at %s", cfg.RedisAddr)
	} else {
		calls = quota.NopCallLimiter{}
	}

	cp := controlplane.New(registry, quotas, st.allocs, st.rules, st.history).
		WithMeter(st.meter).
		WithCallLimiter(calls).
		WithAudit(trail).
		WithLogger(logger)
	if telemetry != nil {
		cp.WithTelemetry(telemetry)
	}
	cp.Billing().WithTaxBasisPoints(cfg.TaxBasisPoints)

	if cfg.GuardExpr != "" {
		guard, err := autoscaler.NewGuard(cfg.GuardExpr)
		if err != nil {
			log.Fatalf("Invalid STRATA_GUARD_EXPR: %v", err)
		}
		cp.WithGuard(guard)
		log.Printf("[strata] scaling guard: %s", cfg.GuardExpr)
	}

	// Catalog adjustments happen before any tenant is created: forced step
	// first, deployment profiles second so profiles win for their tier.
	if cfg.ScaleStep > 0 {
		for _, typ := range tiers.AllTypes {
			p := tiers.Get(typ)
			p.Policy.Step = cfg.ScaleStep
			if err := tiers.Override(*p); err != nil {
				log.Fatalf("Failed to force scale step: %v", err)
			}
		}
		log.Printf("[strata] tiers: scale step forced to %d", cfg.ScaleStep)
	}
	if cfg.ProfilesDir != "" {
		if err := applyProfiles(ctx, cp, cfg.ProfilesDir, logger); err != nil {
			log.Fatalf("Failed to apply profiles: %v", err)
		}
	}

	if st.needsReplay {
		if err := cp.Allocator().Reconcile(ctx); err != nil {
			log.Fatalf("Failed to replay allocations: %v", err)
		}
		log.Println("[strata] lite mode: quota books rebuilt from allocation log")
	}

	archive, err := export.New(ctx, export.Config{
		Type: export.StoreType(cfg.StatementStorageType),
		Dir:  cfg.ExportDir,
		S3: export.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		},
		GCSBucket: cfg.GCSBucket,
	})
	if err != nil {
		log.Fatalf("Failed to init statement archive: %v", err)
	}
	cp.WithArchive(archive)
	log.Printf("[strata] statement archive: %s", cfg.StatementStorageType)

	validator := auth.NewValidator([]byte(cfg.JWTSecret))
	var admin func(http.Handler) http.Handler
	if validator != nil {
		admin = auth.RequireRole(auth.RoleAdmin)
	} else {
		logger.Warn("STRATA_JWT_SECRET not set; API authentication disabled")
	}

	srv := api.NewServer(cp).WithReadiness(func(ctx context.Context) error {
		if st.db != nil {
			return st.db.PingContext(ctx)
		}
		return nil
	})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux, admin)

	// Innermost first: idempotent replay, per-actor backpressure, token
	// validation, the whole-process limiter, then CORS and request ids in
	// front of everything.
	handler := http.Handler(mux)
	handler = api.IdempotencyMiddleware(st.idempotency)(handler)
	if validator != nil {
		handler = auth.RateLimitMiddleware(auth.NewInMemoryLimiterStore(), auth.BackpressurePolicy{
			RPM:   cfg.ActorRPM,
			Burst: cfg.ActorBurst,
		})(handler)
		handler = auth.NewMiddleware(validator)(handler)
	}
	handler = api.NewGlobalRateLimiter(cfg.GlobalRPS, cfg.GlobalBurst).Middleware(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	var sweeper *autoscaler.Sweeper
	if cfg.ShadowMode {
		log.Println("[strata] shadow mode: background sweeper disabled")
	} else {
		source := &quotaMetricsSource{quotas: quotas, engine: cp.Engine(), registry: registry}
		sweeper = autoscaler.NewSweeper(
			autoscaler.SweeperConfig{Interval: cfg.SweepInterval},
			cp.Engine(),
			cp.TenantSource(),
			source,
		).WithLogger(logger)
		if err := sweeper.Start(ctx); err != nil {
			log.Fatalf("Failed to start sweeper: %v", err)
		}
		log.Printf("[strata] sweeper: every %s", cfg.SweepInterval)
	}

	log.Printf("[strata] ready: http://localhost:%s", cfg.Port)
	log.Println("[strata] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[strata] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[strata] http shutdown: %v", err)
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("[strata] telemetry shutdown: %v", err)
		}
	}
	if st.db != nil {
		_ = st.db.Close()
	}
	_ = auditFile.Close()
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func setupPostgresStores(ctx context.Context, dbURL string) (*stores, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Println("[strata] postgres: connected")

	ts := tenants.NewPostgresStore(db)
	if err := ts.Init(ctx); err != nil {
		return nil, fmt.Errorf("init tenant store: %w", err)
	}
	qs := quota.NewPostgresStore(db)
	if err := qs.Init(ctx); err != nil {
		return nil, fmt.Errorf("init quota store: %w", err)
	}
	as := allocator.NewPostgresStore(db)
	if err := as.Init(ctx); err != nil {
		return nil, fmt.Errorf("init allocation log: %w", err)
	}
	hs := autoscaler.NewPostgresHistory(db)
	if err := hs.Init(ctx); err != nil {
		return nil, fmt.Errorf("init scaling history: %w", err)
	}
	rs := billing.NewPostgresRuleStore(db)
	if err := rs.Init(ctx); err != nil {
		return nil, fmt.Errorf("init rule store: %w", err)
	}
	ms := metering.NewPostgresMeter(db)
	if err := ms.Init(ctx); err != nil {
		return nil, fmt.Errorf("init metering: %w", err)
	}
	is := api.NewPostgresIdempotencyStore(db, idempotencyTTL)
	if err := is.Init(ctx); err != nil {
		return nil, fmt.Errorf("init idempotency store: %w", err)
	}
	log.Println("[strata] metering: ready")

	return &stores{
		db:          db,
		tenants:     ts,
		quotas:      qs,
		allocs:      as,
		history:     hs,
		rules:       rs,
		meter:       ms,
		idempotency: is,
	}, nil
}

// quotaMetricsSource derives sweep metrics from quota reservation pressure.
// CPU and memory utilization are the allocated-to-limit ratios: a tenant
// whose books approach their limits reads as hot. Instance counts come from
// the engine's last report, falling back to the policy floor for tenants
// that have never reported.
type quotaMetricsSource struct {
	quotas   *quota.Manager
	engine   *autoscaler.Engine
	registry *tenants.Registry
}

func (s *quotaMetricsSource) MetricsFor(ctx context.Context, tenantID string) (autoscaler.Metrics, error) {
	cpu, err := s.quotas.Ratio(ctx, tenantID, quota.CPUCores)
	if err != nil {
		return autoscaler.Metrics{}, err
	}
	mem, err := s.quotas.Ratio(ctx, tenantID, quota.MemoryGB)
	if err != nil {
		return autoscaler.Metrics{}, err
	}
	instances, ok := s.engine.Instances(tenantID)
	if !ok {
		t, err := s.registry.Get(ctx, tenantID)
		if err != nil {
			return autoscaler.Metrics{}, err
		}
		instances = t.Policy.MinInstances
	}
	return autoscaler.Metrics{
		CPUUtilization:    cpu,
		MemoryUtilization: mem,
		CurrentInstances:  instances,
	}, nil
}
