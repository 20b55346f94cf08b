package claim

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/celerix-dev/crowdgate/internal/acl"
	"github.com/celerix-dev/crowdgate/internal/metrics"
	"github.com/celerix-dev/crowdgate/internal/tables"
)

// Reaper releases claims whose worker vanished without yielding. A row is an
// orphan once it has been active for longer than TTL. Rows without an
// arrival stamp are never reaped since their age is unknown.
type Reaper struct {
	claimer *Claimer
	TTL     time.Duration
	now     func() time.Time
	log     logr.Logger
	metrics *metrics.Metrics
}

// NewReaper returns a Reaper that releases rows through c. A zero ttl
// disables sweeping.
func NewReaper(c *Claimer, ttl time.Duration, log logr.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{
		claimer: c,
		TTL:     ttl,
		now:     c.now,
		log:     log.WithName("reaper"),
		metrics: m,
	}
}

// Sweep scans the ACL table once and releases every orphan. It returns how
// many rows were released.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.TTL <= 0 {
		return 0, nil
	}
	items, err := r.claimer.tables.ScanAll(ctx, tables.ACL, "")
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.TTL)
	released := 0
	for _, rec := range acl.FromItems(items) {
		if !rec.ActiveUnpaid() || rec.TimeArrival.IsZero() || !rec.TimeArrival.Before(cutoff) {
			continue
		}
		if err := r.claimer.release(ctx, rec.Identifier); err != nil {
			r.metrics.Reclaimed(released)
			return released, err
		}
		r.log.Info("released orphaned claim", "worker", rec.Identifier, "unit", rec.UnitID, "arrival", acl.FormatTime(rec.TimeArrival))
		released++
	}
	r.metrics.Reclaimed(released)
	return released, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if r.TTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error(err, "orphan sweep failed")
			}
		}
	}
}
