// Package claim grants workers exclusive occupation of work units on top of
// an eventually consistent key-value store, without transactions or locks.
//
// A claimant writes first and verifies after. Holders that were already
// active before the claimant wrote keep the unit. Claimants that raced each
// other all elect the same winner with Elect, losers withdraw their row, and
// the read side retries a bounded number of times to let the index converge.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/celerix-dev/crowdgate/internal/acl"
	"github.com/celerix-dev/crowdgate/internal/logging"
	"github.com/celerix-dev/crowdgate/internal/metrics"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// ErrInvalidEntry is returned when a claim names no unit or no worker.
var ErrInvalidEntry = errors.New("claim entry needs unit_id and identifier")

// Why a claim was refused.
const (
	ReasonHeld = "held" // another worker won the unit
	ReasonPaid = "paid" // the worker's row is already paid and cannot be reactivated
)

// Result is the outcome of one claim attempt. Losing is not an error.
type Result struct {
	Claimed bool
	Winner  string
	Reason  string
}

// Option configures a Claimer.
type Option func(*Claimer)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Claimer) { c.retry = p.normalized() }
}

// WithClock replaces time.Now for arrival and removal stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Claimer) { c.now = now }
}

// WithMarker replaces the claim marker generator.
func WithMarker(gen func() string) Option {
	return func(c *Claimer) { c.marker = gen }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Claimer) { c.metrics = m }
}

// Claimer runs the claim protocol against the ACL table.
type Claimer struct {
	tables  *tables.Client
	retry   RetryPolicy
	now     func() time.Time
	marker  func() string
	log     logr.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewClaimer returns a Claimer over t.
func NewClaimer(t *tables.Client, log logr.Logger, opts ...Option) *Claimer {
	c := &Claimer{
		tables: t,
		retry:  DefaultRetryPolicy(),
		now:    time.Now,
		marker: uuid.NewString,
		log:    log.WithName("claim"),
		tracer: otel.Tracer("github.com/celerix-dev/crowdgate/internal/claim"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClaimUnitIfUnassigned tries to make entry's worker the only active holder
// of entry's unit. It always terminates with a definite Result; errors come
// only from the store and are returned unmodified.
func (c *Claimer) ClaimUnitIfUnassigned(ctx context.Context, entry acl.Record) (res Result, err error) {
	if entry.UnitID == "" || entry.Identifier == "" {
		return Result{}, ErrInvalidEntry
	}
	started := time.Now()
	log := c.log.WithValues("unit", entry.UnitID, "worker", entry.Identifier)

	ctx, span := c.tracer.Start(ctx, "claim.ClaimUnitIfUnassigned", trace.WithAttributes(
		attribute.String("unit_id", entry.UnitID),
		attribute.String("identifier", entry.Identifier),
	))
	defer func() {
		outcome := "claimed"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !res.Claimed:
			outcome = "lost"
		}
		span.SetAttributes(attribute.String("outcome", outcome), attribute.String("winner", res.Winner))
		span.End()
		c.metrics.ClaimOutcome(outcome, time.Since(started).Seconds())
	}()

	// Pre-check. Holders seen here are settled from this claimant's point
	// of view: while they stay active they outrank it whatever their stamps
	// say. A stale index may miss some, so the write and verify still run.
	before, err := c.Holders(ctx, entry.UnitID)
	if err != nil {
		return Result{}, err
	}
	incumbents := make([]acl.Record, 0, len(before))
	for _, r := range before {
		if r.Identifier != entry.Identifier {
			incumbents = append(incumbents, r)
		}
	}
	if w, ok := Elect(incumbents); ok {
		log.V(logging.DEBUG).Info("unit already held", "holder", w.Identifier)
	}

	prior, found, err := c.current(ctx, entry.Identifier)
	if err != nil {
		return Result{}, err
	}
	if found && prior.Paid {
		log.Info("refusing claim for a paid row")
		return Result{Claimed: false, Winner: prior.Identifier, Reason: ReasonPaid}, nil
	}

	// Tentative claim.
	mine := entry
	mine.InProgress = true
	mine.Paid = false
	// Stored stamps keep milliseconds; elect on the same value others will read.
	mine.TimeArrival = c.now().UTC().Truncate(time.Millisecond)
	mine.TimeRemoval = time.Time{}
	mine.AccessCounter = prior.AccessCounter + 1
	mine.ClaimMarker = c.marker()
	if err := c.tables.Put(ctx, tables.ACL, mine.Item()); err != nil {
		return Result{}, err
	}
	span.AddEvent("tentative claim written", trace.WithAttributes(attribute.String("claim_marker", mine.ClaimMarker)))

	// Post-verify with a bounded settle loop.
	for attempt := 1; ; attempt++ {
		view, err := c.Rows(ctx, entry.UnitID)
		if err != nil {
			return Result{}, err
		}
		winner := settle(mine, incumbents, view)
		log.V(logging.DEBUG).Info("post-verify", "attempt", attempt, "observed", len(view), "elected", winner.Identifier)

		last := attempt >= c.retry.MaxAttempts
		if winner.Identifier == mine.Identifier && (last || !c.retry.ConfirmOnLastAttempt) {
			log.Info("unit claimed", "marker", mine.ClaimMarker)
			return Result{Claimed: true, Winner: mine.Identifier}, nil
		}
		if last {
			if err := c.Yield(ctx, mine.Identifier); err != nil {
				return Result{}, err
			}
			log.Info("claim lost", "winner", winner.Identifier, "marker", mine.ClaimMarker)
			return Result{Claimed: false, Winner: winner.Identifier, Reason: ReasonHeld}, nil
		}
		c.metrics.SettleRetry()
		if err := c.retry.Sleep(ctx, c.retry.Delay(attempt)); err != nil {
			return Result{}, err
		}
	}
}

// settle decides one post-verify round from view, every row the unit index
// shows for the unit. An incumbent from the pre-check that view still shows
// active wins outright. An incumbent that view shows released, paid or gone
// from the unit no longer counts. The remaining active rows raced the caller
// and are ordered by Elect; the caller's own row always takes part even if
// the index has not caught up with it.
func settle(mine acl.Record, incumbents []acl.Record, view []acl.Record) acl.Record {
	latest := make(map[string]acl.Record, len(view))
	for _, r := range view {
		latest[r.Identifier] = r
	}

	var live []acl.Record
	held := make(map[string]bool, len(incumbents))
	for _, inc := range incumbents {
		held[inc.Identifier] = true
		if r, ok := latest[inc.Identifier]; ok && r.ActiveUnpaid() {
			live = append(live, r)
		}
	}
	if w, ok := Elect(live); ok {
		return w
	}

	racers := []acl.Record{mine}
	for _, r := range view {
		if r.Identifier == mine.Identifier || held[r.Identifier] || !r.ActiveUnpaid() {
			continue
		}
		racers = append(racers, r)
	}
	w, _ := Elect(racers)
	return w
}

// Holders returns the active unpaid rows the unit index currently shows for unitID.
func (c *Claimer) Holders(ctx context.Context, unitID string) ([]acl.Record, error) {
	rows, err := c.Rows(ctx, unitID)
	if err != nil {
		return nil, err
	}
	active := rows[:0]
	for _, r := range rows {
		if r.ActiveUnpaid() {
			active = append(active, r)
		}
	}
	return active, nil
}

// Rows returns every ACL row the unit index shows for unitID, in election order.
func (c *Claimer) Rows(ctx context.Context, unitID string) ([]acl.Record, error) {
	items, err := c.tables.QueryAll(ctx, tables.ACL, tables.IndexUnit, acl.AttrUnitID, unitID)
	if err != nil {
		return nil, err
	}
	rows := make([]acl.Record, 0, len(items))
	for _, r := range acl.FromItems(items) {
		// An index can briefly return a row whose key moved to another unit.
		if r.UnitID == unitID {
			rows = append(rows, r)
		}
	}
	sortRecords(rows)
	return rows, nil
}

// current reads the worker's own row through the primary key.
func (c *Claimer) current(ctx context.Context, identifier string) (acl.Record, bool, error) {
	items, err := c.tables.QueryAll(ctx, tables.ACL, "", acl.AttrIdentifier, identifier)
	if err != nil {
		return acl.Record{}, false, err
	}
	if len(items) == 0 {
		return acl.Record{}, false, nil
	}
	return acl.FromItem(items[0]), true, nil
}

// Yield withdraws the worker's tentative claim. Repeating it is harmless.
func (c *Claimer) Yield(ctx context.Context, identifier string) error {
	if err := c.release(ctx, identifier); err != nil {
		return err
	}
	c.metrics.Yield()
	return nil
}

// Release ends a worker's occupation once it has finished with the unit.
func (c *Claimer) Release(ctx context.Context, identifier string) error {
	if identifier == "" {
		return ErrInvalidEntry
	}
	return c.release(ctx, identifier)
}

func (c *Claimer) release(ctx context.Context, identifier string) error {
	return c.tables.Update(ctx, tables.ACL, acl.Record{Identifier: identifier}.Item(), map[string]any{
		acl.AttrInProgress:  "false",
		acl.AttrTimeRemoval: acl.FormatTime(c.now()),
	})
}

// MarkPaid finalizes compensation. A paid row never becomes active again.
func (c *Claimer) MarkPaid(ctx context.Context, identifier string) error {
	if identifier == "" {
		return ErrInvalidEntry
	}
	prior, found, err := c.current(ctx, identifier)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no ACL row for worker %s", sdk.ErrNotFound, identifier)
	}
	sets := map[string]any{
		acl.AttrPaid:       "true",
		acl.AttrInProgress: "false",
	}
	if prior.TimeRemoval.IsZero() {
		sets[acl.AttrTimeRemoval] = acl.FormatTime(c.now())
	}
	return c.tables.Update(ctx, tables.ACL, acl.Record{Identifier: identifier}.Item(), sets)
}
