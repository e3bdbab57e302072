package audit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"agencydash.app/internal/ids"
	"agencydash.app/internal/obs"
)

// RecorderConfig tunes the write path in front of a Store.
type RecorderConfig struct {
	// WriteTimeout bounds a single append. Default 5s.
	WriteTimeout time.Duration
	// BreakerFailures consecutive failures open the breaker. Default 5.
	BreakerFailures uint32
	// BreakerOpenFor is how long the breaker stays open. Default 30s.
	BreakerOpenFor time.Duration
	// BreakerHalfOpens requests are let through while half-open. Default 1.
	BreakerHalfOpens uint32
	// Publisher, when set, sees every row after it has been stored.
	Publisher Publisher
}

// Publisher receives stored rows, typically to fan them out to live viewers.
// Publish must not block.
type Publisher interface {
	Publish(Entry)
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
	if c.BreakerHalfOpens == 0 {
		c.BreakerHalfOpens = 1
	}
	return c
}

// Recorder appends audit rows without ever failing the caller. Rows that
// cannot be stored go to the process log at error level, and a circuit
// breaker stops hammering a store that keeps failing.
type Recorder struct {
	store   Store
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	now     func() time.Time
	pub     Publisher
}

func NewRecorder(store Store, cfg RecorderConfig) *Recorder {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        "audit-store",
		MaxRequests: cfg.BreakerHalfOpens,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.Logger().Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("audit_breaker_state")
		},
	}
	return &Recorder{
		store:   store,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		timeout: cfg.WriteTimeout,
		now:     time.Now,
		pub:     cfg.Publisher,
	}
}

// Store returns the underlying store for read paths.
func (r *Recorder) Store() Store { return r.store }

// Record appends e. It detaches from ctx cancellation so an aborted request
// still leaves its row behind.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
		if r != nil {
			e.CreatedAt = r.now().UTC()
		}
	}
	outcome := "ok"
	if e.Failed() {
		outcome = "error"
	}
	obs.ObserveAuditEntry(e.TableName, string(e.Action), outcome)

	if r == nil || r.store == nil {
		logFallback(ctx, e, errNoStore)
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	_, err := r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.store.Append(writeCtx, e)
	})
	if err != nil {
		obs.AuditWriteFailed()
		logFallback(ctx, e, err)
		return
	}
	if r.pub != nil {
		r.pub.Publish(e)
	}
}

// ErrBreakerOpen is reported by Check while appends are being shed.
var ErrBreakerOpen = errors.New("audit: store circuit breaker open")

// BreakerState exposes the breaker state for readiness reporting.
func (r *Recorder) BreakerState() gobreaker.State { return r.breaker.State() }

// Check fails with ErrBreakerOpen while the breaker is open, so readiness
// drops while audit rows only reach the fallback log.
func (r *Recorder) Check(context.Context) error {
	if r.BreakerState() == gobreaker.StateOpen {
		return ErrBreakerOpen
	}
	return nil
}
