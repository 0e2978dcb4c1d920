package coordinator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/psep-io/psep/errs"
	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore"
	"github.com/psep-io/psep/workpkg"
)

type taskKind int

const (
	taskRelease taskKind = iota
	taskSplit
	taskMerge
)

// Result is the outcome of a control task: whether the requested
// operation actually occurred (OK) versus was a legitimate no-op (this
// instance does not own the segment), and any error encountered. A store
// that does not support split/merge yields ErrUnsupportedOperation in Err.
type Result struct {
	OK  bool
	Err error
}

type task struct {
	kind      taskKind
	segmentID segment.ID
	reply     chan Result
}

var errReleasedByControlTask = errors.New("segment released by control task")
var errSplitByControlTask = errors.New("segment split by control task")
var errMergedByControlTask = errors.New("segment merged by control task")

func (c *Coordinator) enqueue(ctx context.Context, t *task) Result {
	select {
	case c.control <- t:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	c.signal()
	select {
	case r := <-t.reply:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// ReleaseSegment requests that id be abandoned by this instance: its
// Work Package is aborted, its claim released, and the segment is held
// off local re-claim for two TokenClaimIntervals (spec.md §4.6).
func (c *Coordinator) ReleaseSegment(ctx context.Context, id segment.ID) Result {
	return c.enqueue(ctx, &task{kind: taskRelease, segmentID: id, reply: make(chan Result, 1)})
}

// SplitSegment requests that id, if owned locally, be split in two and
// both halves re-claimed by this instance.
func (c *Coordinator) SplitSegment(ctx context.Context, id segment.ID) Result {
	return c.enqueue(ctx, &task{kind: taskSplit, segmentID: id, reply: make(chan Result, 1)})
}

// MergeSegment requests that id be merged with its mergeable sibling, if
// this instance can claim both.
func (c *Coordinator) MergeSegment(ctx context.Context, id segment.ID) Result {
	return c.enqueue(ctx, &task{kind: taskMerge, segmentID: id, reply: make(chan Result, 1)})
}

// drainControlTasks processes every control task currently queued,
// strictly in FIFO order, one at a time, before the loop proceeds to its
// liveness phase.
func (c *Coordinator) drainControlTasks(ctx context.Context) {
	for {
		select {
		case t := <-c.control:
			t.reply <- c.execute(ctx, t)
		default:
			return
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, t *task) Result {
	switch t.kind {
	case taskRelease:
		return c.handleRelease(ctx, t.segmentID)
	case taskSplit:
		return c.handleSplit(ctx, t.segmentID)
	case taskMerge:
		return c.handleMerge(ctx, t.segmentID)
	default:
		return Result{Err: errors.New("unknown control task")}
	}
}

func (c *Coordinator) handleRelease(ctx context.Context, id segment.ID) Result {
	c.mu.Lock()
	var pkg, owned = c.packages[id]
	c.mu.Unlock()
	if !owned {
		return Result{OK: false}
	}

	<-pkg.Abort(errReleasedByControlTask)

	c.mu.Lock()
	delete(c.packages, id)
	c.releaseHold[id] = c.cfg.Clock.Now().Add(2 * c.cfg.TokenClaimInterval)
	c.mu.Unlock()
	return Result{OK: true}
}

func (c *Coordinator) handleSplit(ctx context.Context, id segment.ID) Result {
	if !c.cfg.Store.RequiresExplicitSegmentInitialization() {
		return Result{Err: errs.ErrUnsupportedOperation}
	}

	c.mu.Lock()
	var pkg, owned = c.packages[id]
	c.mu.Unlock()
	if !owned {
		return Result{OK: false}
	}

	var seg = pkg.Segment()
	var lo, hi = seg.Split()

	<-pkg.Abort(errSplitByControlTask)
	c.mu.Lock()
	delete(c.packages, id)
	c.mu.Unlock()

	var tok = pkg.CurrentToken()
	if err := c.cfg.Store.DeleteSegment(ctx, c.cfg.Processor, seg.ID); err != nil {
		return Result{Err: errors.Wrap(errs.ErrStoreUnavailable, err.Error())}
	}
	for _, s := range []segment.Segment{lo, hi} {
		if err := c.cfg.Store.InitializeSegment(ctx, c.cfg.Processor, s, tok); err != nil {
			return Result{Err: errors.Wrap(errs.ErrStoreUnavailable, err.Error())}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range []segment.Segment{lo, hi} {
		if newTok, err := c.cfg.Store.FetchToken(ctx, c.cfg.Processor, s.ID, c.cfg.Owner); err == nil {
			c.spawnLocked(ctx, s, newTok)
		} else {
			c.cfg.Log.WithError(err).WithField("segment", s.ID).Warn("could not reclaim split half; will be claimed next cycle")
		}
	}
	return Result{OK: true}
}

func (c *Coordinator) handleMerge(ctx context.Context, id segment.ID) Result {
	if !c.cfg.Store.RequiresExplicitSegmentInitialization() {
		return Result{Err: errs.ErrUnsupportedOperation}
	}

	c.mu.Lock()
	var pkg, owned = c.packages[id]
	c.mu.Unlock()
	if !owned {
		return Result{OK: false}
	}
	var seg = pkg.Segment()

	var segs, err = c.cfg.Store.FetchSegments(ctx, c.cfg.Processor)
	if err != nil {
		return Result{Err: errors.Wrap(errs.ErrStoreUnavailable, err.Error())}
	}
	var sibling *segment.Segment
	for i := range segs {
		if seg.CanMergeWith(segs[i]) {
			sibling = &segs[i]
			break
		}
	}
	if sibling == nil {
		return Result{OK: false, Err: errors.New("no mergeable sibling available")}
	}

	c.mu.Lock()
	var siblingPkg, siblingOwned = c.packages[sibling.ID]
	c.mu.Unlock()

	var siblingTok token.Token
	if siblingOwned {
		siblingTok = siblingPkg.CurrentToken()
	} else {
		var t, cerr = c.cfg.Store.FetchToken(ctx, c.cfg.Processor, sibling.ID, c.cfg.Owner)
		if cerr != nil {
			return Result{OK: false, Err: errors.Wrap(tokenstore.ErrUnableToClaim, cerr.Error())}
		}
		siblingTok = t
	}

	var merged, merr = segment.Merge(seg, *sibling)
	if merr != nil {
		return Result{Err: merr}
	}

	var mergedTok = pkg.CurrentToken()
	if !mergedTok.Covers(siblingTok) {
		mergedTok = siblingTok
	}

	<-pkg.Abort(errMergedByControlTask)
	if siblingOwned {
		<-siblingPkg.Abort(errMergedByControlTask)
	} else {
		_ = c.cfg.Store.ReleaseClaim(ctx, c.cfg.Processor, sibling.ID, c.cfg.Owner)
	}

	c.mu.Lock()
	delete(c.packages, seg.ID)
	delete(c.packages, sibling.ID)
	c.mu.Unlock()

	if err := c.cfg.Store.DeleteSegment(ctx, c.cfg.Processor, seg.ID); err != nil {
		return Result{Err: errors.Wrap(errs.ErrStoreUnavailable, err.Error())}
	}
	if err := c.cfg.Store.DeleteSegment(ctx, c.cfg.Processor, sibling.ID); err != nil {
		return Result{Err: errors.Wrap(errs.ErrStoreUnavailable, err.Error())}
	}
	if err := c.cfg.Store.InitializeSegment(ctx, c.cfg.Processor, merged, mergedTok); err != nil {
		return Result{Err: errors.Wrap(errs.ErrStoreUnavailable, err.Error())}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if newTok, err := c.cfg.Store.FetchToken(ctx, c.cfg.Processor, merged.ID, c.cfg.Owner); err == nil {
		c.spawnLocked(ctx, merged, newTok)
	} else {
		c.cfg.Log.WithError(err).WithField("segment", merged.ID).Warn("could not reclaim merged segment; will be claimed next cycle")
	}
	return Result{OK: true}
}

// ResetTokens replaces the Tracking Token of every segment with a Replay
// Token positioned by builder, then invokes the configured Invoker's
// PerformReset. It is only meaningful while the owning Processor is
// stopped (no instance, including this one, holds any claims); callers
// are responsible for enforcing that lifecycle precondition.
func (c *Coordinator) ResetTokens(ctx context.Context, builder func(ctx context.Context, src source.Source) (token.Token, error), resetContext interface{}) error {
	if !c.cfg.Invoker.SupportsReset() {
		return errs.ErrUnsupportedOperation
	}

	var segs, err = c.cfg.Store.FetchSegments(ctx, c.cfg.Processor)
	if err != nil {
		return errors.Wrap(errs.ErrStoreUnavailable, err.Error())
	}

	var start, berr = builder(ctx, c.cfg.Source)
	if berr != nil {
		return berr
	}

	for _, seg := range segs {
		// The boundary a Replay Token tracks is this segment's own
		// pre-reset position, not the new start position: that is what
		// CaughtUp must compare the advancing token against as the reset
		// is replayed back up to where the segment already was.
		var prior, cerr = c.cfg.Store.FetchToken(ctx, c.cfg.Processor, seg.ID, c.cfg.Owner)
		if cerr != nil {
			return errors.Wrapf(tokenstore.ErrUnableToClaim, "segment %d: %s", seg.ID, cerr.Error())
		}
		var priorPos, _ = prior.Position()
		var replay = token.NewReplay(start, priorPos)

		if serr := c.cfg.Store.StoreToken(ctx, c.cfg.Processor, seg.ID, c.cfg.Owner, replay); serr != nil {
			_ = c.cfg.Store.ReleaseClaim(ctx, c.cfg.Processor, seg.ID, c.cfg.Owner)
			return errors.Wrapf(errs.ErrStoreUnavailable, "segment %d: %s", seg.ID, serr.Error())
		}
		if rerr := c.cfg.Store.ReleaseClaim(ctx, c.cfg.Processor, seg.ID, c.cfg.Owner); rerr != nil {
			c.cfg.Log.WithError(rerr).WithField("segment", seg.ID).Warn("best-effort claim release after reset failed")
		}
	}

	return c.cfg.Invoker.PerformReset(ctx, resetContext)
}

// ProcessingStatus returns a snapshot of every currently-claimed
// segment's progress.
func (c *Coordinator) ProcessingStatus() map[segment.ID]SegmentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out = make(map[segment.ID]SegmentStatus, len(c.packages))
	for id, pkg := range c.packages {
		var tok = pkg.CurrentToken()
		// Caught up means replay (if any) has completed AND the segment
		// has actually consumed up to the furthest position the
		// Coordinator has observed available from the stream; a
		// non-replaying segment sitting on a fresh claim far behind the
		// stream head is not caught up just because it has no replay.
		var status = SegmentStatus{
			Token:        tok,
			IsCaughtUp:   tok.CaughtUp() && tok.Covers(c.streamHead),
			IsReplaying:  tok.IsReplay(),
			IsErrorState: pkg.State() == workpkg.StateAborted,
			ErrorCount:   c.errorCounts[id],
		}
		if pos, ok := tok.Position(); ok {
			var p = pos
			status.CurrentPosition = &p
		}
		out[id] = status
	}
	return out
}
