package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// AlertConfig tunes the failure-rate alert.
type AlertConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// Alert describes a fired failure-rate alert.
type Alert struct {
	Environment string
	EventType   string
	Failures    int
	Window      time.Duration
	FiredAt     time.Time
}

// AlertEvaluator keeps a sliding window of failures per event type and fires
// once the threshold is reached, at most once per cooldown.
type AlertEvaluator struct {
	mu          sync.Mutex
	cfg         AlertConfig
	environment string
	failures    map[string][]time.Time
	lastFired   map[string]time.Time
	fired       *prometheus.CounterVec
	logg        *logger.Logger
	handlers    []func(context.Context, Alert)
	now         func() time.Time
}

func NewAlertEvaluator(reg prometheus.Registerer, environment string, cfg AlertConfig, logg *logger.Logger) *AlertEvaluator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	a := &AlertEvaluator{
		cfg:         cfg,
		environment: environment,
		failures:    map[string][]time.Time{},
		lastFired:   map[string]time.Time{},
		logg:        logg,
		now:         time.Now,
	}
	if reg != nil {
		a.fired = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Failure-rate alerts fired.",
		}, []string{"environment", "event_type"})
		reg.MustRegister(a.fired)
	}
	return a
}

// OnAlert registers a callback invoked whenever an alert fires.
func (a *AlertEvaluator) OnAlert(fn func(context.Context, Alert)) {
	if a == nil || fn == nil {
		return
	}
	a.mu.Lock()
	a.handlers = append(a.handlers, fn)
	a.mu.Unlock()
}

// RecordFailure adds a failure and returns the alert when one fires.
func (a *AlertEvaluator) RecordFailure(ctx context.Context, eventType string) (Alert, bool) {
	if a == nil {
		return Alert{}, false
	}

	a.mu.Lock()
	now := a.now()
	cutoff := now.Add(-a.cfg.Window)
	window := append(a.failures[eventType], now)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.failures[eventType] = kept

	if len(kept) < a.cfg.Threshold {
		a.mu.Unlock()
		return Alert{}, false
	}
	if last, ok := a.lastFired[eventType]; ok && a.cfg.Cooldown > 0 && now.Sub(last) < a.cfg.Cooldown {
		a.mu.Unlock()
		return Alert{}, false
	}
	a.lastFired[eventType] = now
	alert := Alert{
		Environment: a.environment,
		EventType:   eventType,
		Failures:    len(kept),
		Window:      a.cfg.Window,
		FiredAt:     now,
	}
	handlers := append([]func(context.Context, Alert){}, a.handlers...)
	a.mu.Unlock()

	if a.fired != nil {
		a.fired.WithLabelValues(a.environment, eventType).Inc()
	}
	if a.logg != nil {
		actx := a.logg.WithFields(ctx, map[string]any{
			"environment": alert.Environment,
			"event_type":  alert.EventType,
			"failures":    alert.Failures,
			"window":      alert.Window.String(),
		})
		a.logg.Error(actx, "webhook failure threshold reached", fmt.Errorf("%d failures within %s", alert.Failures, alert.Window))
	}
	for _, fn := range handlers {
		fn(ctx, alert)
	}
	return alert, true
}
