package raindelaycontroller

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/config"
	"github.com/thatsimonsguy/sprinkler-controller/internal/datadog"
	"github.com/thatsimonsguy/sprinkler-controller/internal/notifications"
	"github.com/thatsimonsguy/sprinkler-controller/internal/policy"
	"github.com/thatsimonsguy/sprinkler-controller/internal/weather"
)

// RunStopper cancels every running zone. The coordinator calls it after the
// delay flag is committed, so a start that validated against the old flag is
// still swept up.
type RunStopper interface {
	StopAll(reason string) int
}

type Coordinator struct {
	dbConn   *sql.DB
	runs     RunStopper
	notifier notifications.Notifier
	cfg      config.RainDelayConfig
	now      func() time.Time
}

func New(dbConn *sql.DB, runs RunStopper, notifier notifications.Notifier, cfg config.RainDelayConfig) *Coordinator {
	return &Coordinator{
		dbConn:   dbConn,
		runs:     runs,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

func NewForTest(dbConn *sql.DB, runs RunStopper, notifier notifications.Notifier, cfg config.RainDelayConfig, now func() time.Time) *Coordinator {
	c := New(dbConn, runs, notifier, cfg)
	c.now = now
	return c
}

// Activate sets the rain delay flag and then stops any running zones. Hours
// of zero (or less) falls back to the configured default.
func (c *Coordinator) Activate(hours int) error {
	if hours <= 0 {
		hours = c.cfg.DefaultHours
	}
	endsAt := c.now().Add(time.Duration(hours) * time.Hour)

	if err := db.SetRainDelay(c.dbConn, true, &endsAt); err != nil {
		return fmt.Errorf("activate rain delay: %w", err)
	}

	stopped := c.runs.StopAll("rain delay")

	log.Info().
		Int("hours", hours).
		Time("ends_at", endsAt).
		Int("runs_stopped", stopped).
		Msg("Rain delay activated")
	datadog.Gauge("rain_delay_active", 1)

	if err := c.notifier.Send("Rain delay activated",
		fmt.Sprintf("Watering paused until %s", endsAt.Format(time.RFC1123))); err != nil {
		log.Warn().Err(err).Msg("Could not send rain delay notification")
	}
	return nil
}

func (c *Coordinator) Deactivate() error {
	if err := db.SetRainDelay(c.dbConn, false, nil); err != nil {
		return fmt.Errorf("deactivate rain delay: %w", err)
	}
	log.Info().Msg("Rain delay cleared")
	datadog.Gauge("rain_delay_active", 0)
	return nil
}

// Evaluate triggers a rain delay when any enabled forecast horizon meets the
// threshold. An expired or inactive delay never blocks a new trigger, and an
// active delay is left alone; clearing is always an operator action.
func (c *Coordinator) Evaluate(signal weather.RainSignal) error {
	status, err := db.GetSystemStatus(c.dbConn)
	if err != nil {
		return fmt.Errorf("read system status: %w", err)
	}
	if policy.RainDelayInEffect(status, c.now()) {
		return nil
	}

	horizon, pct, triggered := c.worstHorizon(signal)
	if !triggered {
		return nil
	}

	log.Info().
		Str("horizon", horizon).
		Float64("chance_percent", pct).
		Float64("threshold_percent", c.cfg.ThresholdPercent).
		Msg("Forecast exceeds rain threshold")
	return c.Activate(c.cfg.DefaultHours)
}

func (c *Coordinator) worstHorizon(signal weather.RainSignal) (string, float64, bool) {
	type horizon struct {
		name    string
		enabled bool
		pct     float64
	}
	horizons := []horizon{
		{"current", c.cfg.UseCurrent, signal.CurrentPercent},
		{"next_12h", c.cfg.UseNext12Hours, signal.Next12hPercent},
		{"next_24h", c.cfg.UseNext24Hours, signal.Next24hPercent},
	}

	var worst horizon
	for _, h := range horizons {
		if h.enabled && h.pct >= c.cfg.ThresholdPercent && h.pct > worst.pct {
			worst = h
		}
	}
	return worst.name, worst.pct, worst.name != ""
}

// Run polls the forecast until the context is cancelled. Fetch failures are
// logged and retried on the next tick.
func (c *Coordinator) Run(ctx context.Context, source weather.Source) {
	interval := time.Duration(c.cfg.PollIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Rain delay coordinator started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Rain delay coordinator stopped")
			return
		case <-ticker.C:
			signal, err := source.Fetch(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Could not fetch rain forecast")
				continue
			}
			if err := c.Evaluate(signal); err != nil {
				log.Error().Err(err).Msg("Rain delay evaluation failed")
			}
		}
	}
}
