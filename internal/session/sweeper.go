package session

import (
	"context"
	"time"

	"agencydash.app/internal/obs"
)

// Sweeper is a supervised service that marks idle sessions inactive on a
// fixed interval and publishes the active-session gauge.
type Sweeper struct {
	registry Registry
	interval time.Duration
	maxIdle  time.Duration
}

func NewSweeper(registry Registry, interval, maxIdle time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{registry: registry, interval: interval, maxIdle: maxIdle}
}

// Serve implements suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				obs.Logger().Warn().Err(err).Msg("session_sweep_failed")
			}
		}
	}
}

// SweepOnce runs a single sweep. Repeating it without new activity is a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.registry.SweepIdle(ctx, s.maxIdle)
	if err != nil {
		return n, err
	}
	if n > 0 {
		obs.Logger().Info().Int("swept", n).Dur("max_idle", s.maxIdle).Msg("session_sweep")
	}
	if active, err := s.registry.CountActive(ctx); err == nil {
		obs.SetActiveSessions(active)
	}
	return n, nil
}

func (s *Sweeper) String() string { return "session-sweeper" }

// Purger deletes inactive sessions once they are older than the retention
// window. It is the only path that removes sessions.
type Purger struct {
	registry  Registry
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewPurger(registry Registry, interval, retention time.Duration) *Purger {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Purger{registry: registry, interval: interval, retention: retention, now: time.Now}
}

// Serve implements suture.Service.
func (p *Purger) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PurgeOnce(ctx); err != nil {
				obs.Logger().Warn().Err(err).Msg("session_purge_failed")
			}
		}
	}
}

func (p *Purger) PurgeOnce(ctx context.Context) (int, error) {
	n, err := p.registry.PurgeInactive(ctx, p.now().Add(-p.retention))
	if n > 0 {
		obs.Logger().Info().Int("purged", n).Dur("retention", p.retention).Msg("session_purge")
	}
	return n, err
}

func (p *Purger) String() string { return "session-purger" }
