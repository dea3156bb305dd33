package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AlertSweeper refreshes the persisted alert flags of the clinic bound to ctx.
type AlertSweeper interface {
	SweepAlerts(ctx context.Context) (SweepResult, error)
}

// TenantScope runs fn with ctx bound to the given clinic's storage.
type TenantScope func(ctx context.Context, clinic string, fn func(ctx context.Context) error) error

// Sweeper periodically re-projects alerts for every clinic, so that batches
// move from expiring to expired without any stock movement.
type Sweeper struct {
	svc      AlertSweeper
	tenants  func(ctx context.Context) ([]string, error)
	scope    TenantScope
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc AlertSweeper, tenants func(ctx context.Context) ([]string, error), scope TenantScope, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		tenants:  tenants,
		scope:    scope,
		interval: interval,
		logger:   logger.With().Str("component", "alert-sweeper").Logger(),
	}
}

// Run sweeps once immediately and then every interval until ctx is
// cancelled. A non-positive interval disables the loop.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info().Msg("alert sweeper disabled")
		return
	}
	_, _ = s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}

// SweepOnce refreshes every clinic. A failing clinic is logged and does not
// stop the others; the joined failures are returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (map[string]SweepResult, error) {
	clinics, err := s.tenants(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list clinics")
		return nil, fmt.Errorf("list clinics: %w", err)
	}

	results := make(map[string]SweepResult, len(clinics))
	var errs []error
	for _, clinic := range clinics {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		var res SweepResult
		err := s.scope(ctx, clinic, func(ctx context.Context) error {
			var err error
			res, err = s.svc.SweepAlerts(ctx)
			return err
		})
		if res.Evaluated > 0 || res.Failed > 0 {
			results[clinic] = res
		}
		if err != nil {
			s.logger.Error().Err(err).
				Str("clinic", clinic).
				Int("evaluated", res.Evaluated).
				Int("failed", res.Failed).
				Msg("alert sweep failed")
			errs = append(errs, fmt.Errorf("clinic %s: %w", clinic, err))
			continue
		}
		s.logger.Info().
			Str("clinic", clinic).
			Int("evaluated", res.Evaluated).
			Int("changed", res.Changed).
			Dur("duration", time.Since(start)).
			Msg("alert sweep complete")
	}
	return results, errors.Join(errs...)
}
