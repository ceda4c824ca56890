package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MetricsSource supplies observed utilization for a tenant. Implementations
// typically front a monitoring system; lite deployments can synthesize.
type MetricsSource interface {
	MetricsFor(ctx context.Context, tenantID string) (Metrics, error)
}

// SweeperConfig shapes the periodic evaluation of all active tenants.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// MaxConcurrency bounds parallel evaluations within one sweep.
	MaxConcurrency int
	// EvalTimeout is the hard per-tenant deadline. A timed-out evaluation
	// counts as no action; the sweep continues.
	EvalTimeout time.Duration
}

// DefaultSweeperConfig returns production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:       30 * time.Second,
		MaxConcurrency: 8,
		EvalTimeout:    5 * time.Second,
	}
}

// SweeperStats is a copy-out snapshot of sweep counters.
type SweeperStats struct {
	Sweeps        int64
	Evaluated     int64
	ScaleUps      int64
	ScaleDowns    int64
	NoActions     int64
	Ineligible    int64
	Errors        int64
	Timeouts      int64
	LastSweep     time.Time
	LastSweepTook time.Duration
}

// Sweeper periodically evaluates every active tenant with a bounded worker
// pool. Per-tenant failures are recoverable by definition here: they are
// logged and counted, never propagated.
type Sweeper struct {
	config  SweeperConfig
	engine  *Engine
	source  TenantSource
	metrics MetricsSource
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	statsMu sync.Mutex
	stats   SweeperStats
}

// NewSweeper creates a sweeper over the engine. source is the same tenant
// source the engine evaluates against.
func NewSweeper(config SweeperConfig, engine *Engine, source TenantSource, metrics MetricsSource) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultSweeperConfig().MaxConcurrency
	}
	if config.EvalTimeout <= 0 {
		config.EvalTimeout = DefaultSweeperConfig().EvalTimeout
	}
	return &Sweeper{
		config:  config,
		engine:  engine,
		source:  source,
		metrics: metrics,
		logger:  slog.Default(),
	}
}

// WithLogger replaces the logger.
func (s *Sweeper) WithLogger(logger *slog.Logger) *Sweeper {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Start launches the sweep loop. It returns an error if already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("autoscaler: sweeper already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	go s.loop(ctx)
	s.logger.Info("autoscaler sweeper started",
		"interval", s.config.Interval,
		"max_concurrency", s.config.MaxConcurrency,
	)
	return nil
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// First sweep immediately rather than one interval in.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evaluates every active tenant once. It is safe to call directly; the
// loop uses it on each tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	started := time.Now()

	tenants, err := s.source.ActiveTenants(ctx)
	if err != nil {
		s.logger.Error("sweep could not list tenants", "error", err)
		s.statsMu.Lock()
		s.stats.Errors++
		s.statsMu.Unlock()
		return
	}

	sem := make(chan struct{}, s.config.MaxConcurrency)
	var wg sync.WaitGroup
	for _, tenantID := range tenants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.evaluateOne(ctx, id)
		}(tenantID)
	}
	wg.Wait()

	s.statsMu.Lock()
	s.stats.Sweeps++
	s.stats.LastSweep = time.Now().UTC()
	s.stats.LastSweepTook = time.Since(started)
	s.statsMu.Unlock()
}

func (s *Sweeper) evaluateOne(ctx context.Context, tenantID string) {
	evalCtx, cancel := context.WithTimeout(ctx, s.config.EvalTimeout)
	defer cancel()

	m, err := s.metrics.MetricsFor(evalCtx, tenantID)
	if err != nil {
		s.recordFailure(tenantID, "metrics", err)
		return
	}
	eval, err := s.engine.Evaluate(evalCtx, tenantID, m)
	if err != nil {
		s.recordFailure(tenantID, "evaluate", err)
		return
	}

	s.statsMu.Lock()
	s.stats.Evaluated++
	switch eval.Action {
	case ActionScaleUp:
		s.stats.ScaleUps++
	case ActionScaleDown:
		s.stats.ScaleDowns++
	default:
		s.stats.NoActions++
	}
	s.statsMu.Unlock()

	if eval.Action != NoAction {
		s.logger.Info("scaling decision",
			"tenant_id", tenantID,
			"action", string(eval.Action),
			"target", eval.Target,
			"reason", eval.Reason,
		)
	}
}

func (s *Sweeper) recordFailure(tenantID, stage string, err error) {
	s.statsMu.Lock()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.stats.Timeouts++
		s.stats.NoActions++
	case errors.Is(err, ErrTenantNotEligible):
		s.stats.Ineligible++
	default:
		s.stats.Errors++
	}
	s.statsMu.Unlock()

	// Every per-tenant failure is no-action-and-log; the sweep never stops.
	s.logger.Warn("sweep evaluation skipped",
		"tenant_id", tenantID,
		"stage", stage,
		"error", fmt.Sprintf("%v", err),
	)
}

// Stats returns a copy of the counters.
func (s *Sweeper) Stats() SweeperStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
