// Package confirm resolves deal references into final deal confirmations by
// polling the broker's confirms endpoint with bounded exponential backoff.
package confirm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// Fetcher reads the broker's current view of a deal reference.
type Fetcher func(ctx context.Context, ref domain.DealReference) (domain.DealConfirmation, error)

// Policy bounds the polling loop.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy polls up to 10 times, 100ms apart at first, doubling to a 2s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Tracker polls until a deal reaches a terminal status or the bound is hit.
type Tracker struct {
	fetch  Fetcher
	policy Policy
	logger *slog.Logger
}

// NewTracker creates a Tracker. Zero policy fields take their defaults.
func NewTracker(fetch Fetcher, policy Policy, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		fetch:  fetch,
		policy: policy.normalized(),
		logger: logger.With(slog.String("component", "confirm")),
	}
}

// Await polls ref until it resolves. want is the status the caller expects
// (OPEN after an open, CLOSED after a close); any other terminal status the
// broker reports is returned as-is except REJECTED, which becomes a
// *domain.DealRejectedError. A 404 from the confirms endpoint counts as
// still pending. Polling stops with *domain.ConfirmationTimeoutError once
// MaxAttempts polls have not produced a terminal status.
func (t *Tracker) Await(ctx context.Context, ref domain.DealReference, want domain.DealStatus) (domain.DealConfirmation, error) {
	last := domain.DealConfirmation{DealReference: ref, Status: domain.DealPending}
	backoff := t.policy.InitialBackoff

	for attempt := 1; attempt <= t.policy.MaxAttempts; attempt++ {
		conf, err := t.fetch(ctx, ref)
		switch {
		case err == nil:
			if conf.DealReference == "" {
				conf.DealReference = ref
			}
			last = conf
		case errors.Is(err, domain.ErrNotFound):
			// The broker has not booked the reference yet.
		default:
			return last, err
		}

		if last.Status.Terminal() {
			if last.Status == domain.DealRejected {
				t.logger.WarnContext(ctx, "deal rejected",
					slog.String("reference", string(ref)),
					slog.String("reason", last.Reason),
				)
				return last, &domain.DealRejectedError{Confirmation: last}
			}
			if last.Status != want {
				t.logger.InfoContext(ctx, "deal resolved to unexpected status",
					slog.String("reference", string(ref)),
					slog.String("want", string(want)),
					slog.String("got", string(last.Status)),
				)
			}
			return last, nil
		}

		if attempt == t.policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * t.policy.Multiplier)
		if backoff > t.policy.MaxBackoff {
			backoff = t.policy.MaxBackoff
		}
	}

	t.logger.WarnContext(ctx, "deal confirmation timed out",
		slog.String("reference", string(ref)),
		slog.Int("attempts", t.policy.MaxAttempts),
		slog.String("last_status", string(last.Status)),
	)
	return last, &domain.ConfirmationTimeoutError{
		Reference: ref,
		Attempts:  t.policy.MaxAttempts,
		Last:      last.Status,
	}
}
