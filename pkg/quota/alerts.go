package quota

import (
	"context"
	"log/slog"
	"time"
)

// AlertThresholds are the usage ratios that trigger alerts, in ascending
// order. Crossing one upward emits a single alert for the highest threshold
// reached; crossing downward is silent.
var AlertThresholds = []float64{0.80, 0.90, 0.95}

// Alert describes a usage threshold crossing for one tenant resource.
// Alerts are emitted as side effects; the manager stores nothing about them
// beyond the watermark needed to suppress repeats.
type Alert struct {
	TenantID  string    `json:"tenant_id"`
	Resource  Resource  `json:"resource"`
	Threshold float64   `json:"threshold"`
	Ratio     float64   `json:"ratio"`
	Allocated int64     `json:"allocated"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	At        time.Time `json:"at"`
	// Critical marks an invariant breach (usage past the limit), not a
	// threshold crossing.
	Critical bool `json:"critical,omitempty"`
}

// AlertSink receives alerts. Notify is called from inside usage recording,
// which may run under a tenant's allocation lock: implementations must not
// block.
type AlertSink interface {
	Notify(alert Alert)
}

// LogSink writes alerts to a structured logger. It is the default sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink over logger, or slog.Default() when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(alert Alert) {
	level := slog.LevelWarn
	if alert.Critical {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "quota alert",
		"tenant_id", alert.TenantID,
		"resource", alert.Resource.String(),
		"threshold", alert.Threshold,
		"ratio", alert.Ratio,
		"allocated", alert.Allocated,
		"limit", alert.Limit,
	)
}

// SinkFunc adapts a function to the AlertSink interface.
type SinkFunc func(Alert)

func (f SinkFunc) Notify(alert Alert) { f(alert) }
