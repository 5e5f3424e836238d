package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/api"
	"github.com/jkaberg/ev-charge-tracker/internal/bus"
	"github.com/jkaberg/ev-charge-tracker/internal/config"
	"github.com/jkaberg/ev-charge-tracker/internal/metrics"
	"github.com/jkaberg/ev-charge-tracker/internal/store"
	"github.com/jkaberg/ev-charge-tracker/internal/telemetry"
	"github.com/jkaberg/ev-charge-tracker/internal/tracker"
	"github.com/jkaberg/ev-charge-tracker/internal/transmission"
	"github.com/jkaberg/ev-charge-tracker/internal/wifi"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// engineBuffer lets the engine fall behind the poller briefly, e.g. while a
// charge close waits on the store, without losing samples.
const engineBuffer = 64

var schedulerTick = time.Second

// minPublishGap rate-limits change-driven publishes and retries.
const minPublishGap = 5 * time.Second

// Components are the long-lived parts Run wires together. Transmitter, API
// and WiFi are optional.
type Components struct {
	Poller      telemetry.Poller
	Engine      *tracker.Engine
	Store       *store.Store
	Transmitter transmission.Transmitter
	API         *api.Server
	WiFi        *wifi.Watchdog
}

// Run starts the collector, engine, publisher, flusher and HTTP API and
// blocks until ctx is cancelled. Pending changes are flushed before it
// returns.
func Run(parentCtx context.Context, cfg *config.Config, c Components, logger *logrus.Logger) error {
	messageBus := bus.New()
	samples := messageBus.Subscribe(engineBuffer)
	grp, ctx := errgroup.WithContext(parentCtx)

	// Collector -----------------------------------------------------------
	grp.Go(func() error {
		defer messageBus.Close()
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if s := poll(ctx, c.Poller, cfg.APITimeout, logger); s != nil {
					messageBus.Publish(s)
				}
			}
		}
	})

	// Engine ----------------------------------------------------------------
	grp.Go(func() error {
		for s := range samples {
			if err := c.Engine.Process(ctx, *s); err != nil {
				logger.WithError(err).Warn("engine: sample rejected")
			}
		}
		return nil
	})

	// Flusher -----------------------------------------------------------------
	grp.Go(func() error {
		return c.Store.Run(ctx, cfg.FlushInterval)
	})

	// Scheduler ---------------------------------------------------------------
	grp.Go(func() error {
		return schedule(ctx, cfg, c, logger)
	})

	// HTTP API ----------------------------------------------------------------
	if c.API != nil && cfg.HTTPAddr != "" {
		grp.Go(func() error {
			return c.API.ListenAndServe(ctx, cfg.HTTPAddr)
		})
	}

	// WiFi watchdog -----------------------------------------------------------
	if c.WiFi != nil && cfg.WiFiWatchdog > 0 {
		grp.Go(func() error {
			return c.WiFi.Run(ctx, cfg.WiFiWatchdog)
		})
	}

	err := grp.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := c.Engine.Flush(flushCtx); ferr != nil {
		logger.WithError(ferr).Error("app: final flush failed")
	}
	if dropped := messageBus.Dropped(); dropped > 0 {
		logger.WithField("dropped", dropped).Warn("app: samples skipped by slow subscribers")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

func poll(ctx context.Context, p telemetry.Poller, timeout time.Duration, logger *logrus.Logger) *telemetry.Sample {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s, err := p.Poll(pollCtx)
	switch {
	case err == nil:
		return s
	case errors.Is(err, telemetry.ErrNotReady):
		logger.WithError(err).Debug("collector: waiting for data")
	case ctx.Err() == nil:
		logger.WithError(err).Warn("collector: poll failed")
	}
	return nil
}

// schedule refreshes time-based state and publishes metrics when they
// change, or at least every PublishInterval so availability stays fresh.
func schedule(ctx context.Context, cfg *config.Config, c Components, logger *logrus.Logger) error {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	var (
		lastSnap  []metrics.Metric
		lastSent  time.Time
		lastPurge time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.Engine.RefreshDetection(now)

			if cfg.PublicRetention > 0 && now.Sub(lastPurge) >= time.Hour {
				lastPurge = now
				if n := c.Engine.PurgePublicSessions(now.Add(-cfg.PublicRetention)); n > 0 {
					logger.WithField("removed", n).Info("scheduler: purged old public sessions")
				}
			}

			if c.Transmitter == nil {
				continue
			}
			snap := c.Engine.Metrics()
			since := now.Sub(lastSent)
			due := since >= cfg.PublishInterval
			if !due && (since < minPublishGap || !metrics.Changed(lastSnap, snap)) {
				continue
			}
			if err := c.Transmitter.Transmit(snap); err != nil {
				logger.WithError(err).Warn("MQTT transmit failed")
				// retry after the gap even if nothing changes
				lastSnap = nil
				lastSent = now
				continue
			}
			lastSnap = snap
			lastSent = now
		}
	}
}
