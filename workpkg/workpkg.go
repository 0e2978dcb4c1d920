// Package workpkg implements the Work Package: the per-segment consumer
// that drains a bounded in-memory queue, invokes the handler.Invoker in
// batches under a transaction, extends its claim, and persists the
// resulting Tracking Token.
package workpkg

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/psep-io/psep/errs"
	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/handler"
	"github.com/psep-io/psep/metrics"
	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore"
	"github.com/psep-io/psep/txn"
)

// capacityFactor is the K in "pending < batchSize * K" from spec.md
// §4.4's HasRemainingCapacity contract (implementation picks K>=2).
const capacityFactor = 4

// State is a point in the Work Package state machine:
// Scheduled -> Running -> (Idle | Scheduled), with terminal Aborted.
type State int32

const (
	StateScheduled State = iota
	StateRunning
	StateIdle
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "Scheduled"
	case StateRunning:
		return "Running"
	case StateIdle:
		return "Idle"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Config parametrizes a Package.
type Config struct {
	Processor               string
	Owner                   string
	Segment                 segment.Segment
	Initial                 token.Token
	Store                   tokenstore.Store
	Invoker                 handler.Invoker
	TxManager               txn.Manager
	BatchSize               int
	ClaimExtensionThreshold time.Duration
	Rollback                RollbackConfiguration
	ErrorHandler            ErrorHandler
	// RetryBackoffInitial and RetryBackoffCap bound the delay before a
	// Retry-decided handler failure is re-attempted; they back off
	// exponentially on consecutive retries and reset once a batch commits
	// cleanly. Defaulted in New if zero.
	RetryBackoffInitial time.Duration
	RetryBackoffCap     time.Duration
	Clock               clockwork.Clock
	Metrics             *metrics.Metrics
	Log                 *logrus.Entry
}

// pendingItem is a queued unit of work: either a real event destined for
// the Invoker, or a progress marker the Coordinator enqueues when no
// claimed segment's handler can process the event's payload type at all
// (spec.md §4.5 step 4c) — it advances the Tracking Token past the event
// without ever reaching CanHandle/Handle.
type pendingItem struct {
	evt  source.TrackedEvent
	skip bool
}

// Package is the per-segment consumer described by spec.md §4.4. Exactly
// one goroutine (started via Run) ever executes its batch algorithm; all
// other methods are safe to call concurrently from the Coordinator.
type Package struct {
	cfg Config

	mu              sync.Mutex
	pending         []pendingItem
	scheduledToken  token.Token
	current         token.Token
	lastExtensionAt time.Time
	retryBackoff    time.Duration
	aborted         bool
	abortReason     error
	state           State

	onCapacity func()

	wake chan struct{}
	done chan struct{}
}

// New constructs a Package claimed at cfg.Initial. The returned Package
// does nothing until Run is called on it (normally by the Coordinator, in
// its own goroutine).
func New(cfg Config) *Package {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Rollback == nil {
		cfg.Rollback = RollbackOnAnyError
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = PropagateErrorHandler
	}
	if cfg.TxManager == nil {
		cfg.TxManager = txn.NoOp{}
	}
	if cfg.RetryBackoffInitial <= 0 {
		cfg.RetryBackoffInitial = 100 * time.Millisecond
	}
	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Package{
		cfg:             cfg,
		current:         cfg.Initial,
		scheduledToken:  cfg.Initial,
		lastExtensionAt: cfg.Clock.Now(),
		state:           StateScheduled,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
}

// Segment returns the segment this Package advances.
func (p *Package) Segment() segment.Segment { return p.cfg.Segment }

// ScheduleEvent appends evt to the pending queue, unless the Package has
// been aborted. It returns whether the event was accepted.
func (p *Package) ScheduleEvent(evt source.TrackedEvent) bool {
	return p.enqueue(evt, false)
}

// ScheduleProgressMarker appends evt to the pending queue as a no-op
// progress marker: runBatch advances the Tracking Token past it without
// ever invoking CanHandle or Handle. Used for events whose payload type
// no claimed segment's handler can process at all.
func (p *Package) ScheduleProgressMarker(evt source.TrackedEvent) bool {
	return p.enqueue(evt, true)
}

func (p *Package) enqueue(evt source.TrackedEvent, skip bool) bool {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return false
	}
	p.pending = append(p.pending, pendingItem{evt: evt, skip: skip})
	p.scheduledToken = evt.Token
	p.mu.Unlock()

	p.signal()
	return true
}

// ScheduleBatchProcessing is an idempotent signal that the queue has
// work, waking the run loop if it is currently parked.
func (p *Package) ScheduleBatchProcessing() { p.signal() }

func (p *Package) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// HasRemainingCapacity reports whether more events may be scheduled.
func (p *Package) HasRemainingCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) < p.cfg.BatchSize*capacityFactor
}

// SetOnCapacityAvailable registers fn to be invoked (synchronously, from
// the Package's own run goroutine; it must not block) whenever a drained
// batch brings the pending queue back under capacity after it was full.
// The Coordinator uses this to wake its dispatch loop immediately instead
// of waiting out a full TokenClaimInterval (spec.md §4.5 step 7).
func (p *Package) SetOnCapacityAvailable(fn func()) {
	p.mu.Lock()
	p.onCapacity = fn
	p.mu.Unlock()
}

// LastDeliveredToken returns the highest Token scheduled so far, which
// may be ahead of the Token actually persisted.
func (p *Package) LastDeliveredToken() token.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduledToken
}

// CurrentToken returns the Token last durably persisted.
func (p *Package) CurrentToken() token.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// State returns the Package's current state.
func (p *Package) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AbortReason returns the error that caused termination, if any.
func (p *Package) AbortReason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abortReason
}

// Abort marks the Package aborted. The returned channel is closed once
// any in-flight batch has finished and the claim has been released.
func (p *Package) Abort(reason error) <-chan struct{} {
	p.mu.Lock()
	if !p.aborted {
		p.aborted = true
		p.abortReason = reason
	}
	p.mu.Unlock()

	p.signal()
	return p.done
}

// Done returns a channel closed once the Package has fully torn down.
func (p *Package) Done() <-chan struct{} { return p.done }

// Run executes the Work Package's batch algorithm until aborted or ctx is
// cancelled. It must be invoked exactly once, normally in its own
// goroutine owned by the Coordinator.
func (p *Package) Run(ctx context.Context) {
	defer close(p.done)

	for {
		if p.isAborted() {
			p.release(ctx)
			return
		}

		var batch, empty = p.drainBatch()
		if empty {
			if p.cfg.Clock.Now().Sub(p.extensionTime()) >= p.cfg.ClaimExtensionThreshold {
				if err := p.cfg.Store.ExtendClaim(ctx, p.cfg.Processor, p.cfg.Segment.ID, p.cfg.Owner); err != nil {
					p.abortInternal(errors.Wrap(errs.ErrClaimLost, err.Error()))
					if p.cfg.Metrics != nil {
						p.cfg.Metrics.ClaimFailures.Inc()
					}
					p.cfg.Log.WithError(err).WithField("segment", p.cfg.Segment.ID).Warn("claim extension failed; aborting")
					continue
				}
				p.setExtensionTime(p.cfg.Clock.Now())
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.ClaimExtensions.Inc()
				}
			}

			p.setState(StateIdle)
			var timer = p.cfg.Clock.NewTimer(p.cfg.ClaimExtensionThreshold - p.cfg.Clock.Now().Sub(p.extensionTime()))
			select {
			case <-p.wake:
			case <-timer.Chan():
			case <-ctx.Done():
				p.abortInternal(ctx.Err())
			}
			timer.Stop()
			continue
		}

		p.setState(StateRunning)
		p.runBatch(ctx, batch)
		p.setState(StateScheduled)
	}
}

func (p *Package) runBatch(ctx context.Context, batch []pendingItem) {
	var start = p.cfg.Clock.Now()
	var tx, err = p.cfg.TxManager.StartTransaction(ctx)
	if err != nil {
		p.abortInternal(errors.Wrap(errs.ErrStoreUnavailable, err.Error()))
		return
	}

	var last = p.CurrentToken()
	var handled, skipped int

	for i, item := range batch {
		var evt = item.evt

		if item.skip || !p.cfg.Invoker.CanHandle(evt, p.cfg.Segment) {
			last = evt.Token
			skipped++
			continue
		}

		if err := p.cfg.Invoker.Handle(ctx, evt, p.cfg.Segment); err != nil {
			var wrapped = errors.Wrap(errs.ErrHandlerFailure, err.Error())
			var decision = p.cfg.ErrorHandler(evt, err)

			if decision == Skip {
				last = evt.Token
				continue
			}

			if p.cfg.Rollback(err) {
				_ = tx.Rollback()
			} else {
				if i > 0 {
					if serr := p.storeToken(ctx, last); serr != nil {
						_ = tx.Rollback()
						p.abortInternal(errors.Wrap(errs.ErrClaimLost, serr.Error()))
						return
					}
				}
				_ = tx.Commit()
			}

			if decision == Retry {
				p.requeue(batch[i:])
				p.cfg.Log.WithError(err).WithField("segment", p.cfg.Segment.ID).Warn("handler failure; will retry after backoff")
				p.waitRetryBackoff(ctx)
				return
			}

			p.abortInternal(wrapped)
			p.cfg.Log.WithError(err).WithField("segment", p.cfg.Segment.ID).Error("handler failure; work package aborting")
			return
		}
		last = evt.Token
		handled++
	}

	if err := p.storeToken(ctx, last); err != nil {
		_ = tx.Rollback()
		p.abortInternal(errors.Wrap(errs.ErrClaimLost, err.Error()))
		return
	}
	if err := tx.Commit(); err != nil {
		p.abortInternal(errors.Wrap(errs.ErrClaimLost, err.Error()))
		return
	}

	p.mu.Lock()
	p.current = last
	p.retryBackoff = 0
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.BatchEventsTotal.Add(float64(handled + skipped))
		p.cfg.Metrics.BatchLatency.Observe(p.cfg.Clock.Now().Sub(start).Seconds())
	}
}

func (p *Package) storeToken(ctx context.Context, tok token.Token) error {
	return p.cfg.Store.StoreToken(ctx, p.cfg.Processor, p.cfg.Segment.ID, p.cfg.Owner, tok)
}

func (p *Package) drainBatch() (batch []pendingItem, empty bool) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil, true
	}
	var wasFull = len(p.pending) >= p.cfg.BatchSize*capacityFactor
	var n = p.cfg.BatchSize
	if n > len(p.pending) {
		n = len(p.pending)
	}
	batch = p.pending[:n]
	p.pending = append([]pendingItem(nil), p.pending[n:]...)
	var regainedCapacity = wasFull && len(p.pending) < p.cfg.BatchSize*capacityFactor
	var cb = p.onCapacity
	p.mu.Unlock()

	if regainedCapacity && cb != nil {
		cb()
	}
	return batch, false
}

// requeue puts items back at the front of the pending queue, preserving
// their original order, so a Retry-decided failure is re-attempted
// before any event scheduled since.
func (p *Package) requeue(items []pendingItem) {
	p.mu.Lock()
	p.pending = append(append([]pendingItem(nil), items...), p.pending...)
	p.mu.Unlock()
}

// waitRetryBackoff blocks for the current retry backoff duration (or
// until ctx is cancelled), then doubles the backoff for next time.
func (p *Package) waitRetryBackoff(ctx context.Context) {
	p.mu.Lock()
	if p.retryBackoff <= 0 {
		p.retryBackoff = p.cfg.RetryBackoffInitial
	}
	var wait = p.retryBackoff
	p.retryBackoff *= 2
	if p.retryBackoff > p.cfg.RetryBackoffCap {
		p.retryBackoff = p.cfg.RetryBackoffCap
	}
	p.mu.Unlock()

	var timer = p.cfg.Clock.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.Chan():
	case <-ctx.Done():
	}
}

func (p *Package) isAborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

func (p *Package) abortInternal(reason error) {
	p.mu.Lock()
	if !p.aborted {
		p.aborted = true
		p.abortReason = reason
	}
	p.mu.Unlock()
}

func (p *Package) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Package) extensionTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastExtensionAt
}

func (p *Package) setExtensionTime(t time.Time) {
	p.mu.Lock()
	p.lastExtensionAt = t
	p.mu.Unlock()
}

func (p *Package) release(ctx context.Context) {
	p.setState(StateAborted)
	if err := p.cfg.Store.ReleaseClaim(ctx, p.cfg.Processor, p.cfg.Segment.ID, p.cfg.Owner); err != nil {
		p.cfg.Log.WithError(err).WithField("segment", p.cfg.Segment.ID).Warn("best-effort claim release failed")
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AbortedSegments.Inc()
	}
}
