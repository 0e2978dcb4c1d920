package coordinator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/psep-io/psep/errs"
	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/workpkg"
)

// claimPhase fetches the current segment set and claims as many
// unclaimed, non-held segments as MaxClaimedSegments allows, spinning up
// a Work Package for each newly-claimed segment.
func (c *Coordinator) claimPhase(ctx context.Context) error {
	var segs, err = c.cfg.Store.FetchSegments(ctx, c.cfg.Processor)
	if err != nil {
		return errors.Wrap(errs.ErrStoreUnavailable, err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, seg := range segs {
		if _, held := c.packages[seg.ID]; held {
			continue
		}
		if len(c.packages) >= c.cfg.MaxClaimedSegments {
			break
		}
		if until, onHold := c.releaseHold[seg.ID]; onHold {
			if c.cfg.Clock.Now().Before(until) {
				continue
			}
			delete(c.releaseHold, seg.ID)
		}

		var tok, cerr = c.cfg.Store.FetchToken(ctx, c.cfg.Processor, seg.ID, c.cfg.Owner)
		if cerr != nil {
			c.cfg.Log.WithError(cerr).WithField("segment", seg.ID).Debug("segment claim attempt failed")
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.ClaimFailures.Inc()
			}
			continue
		}

		c.spawnLocked(ctx, seg, tok)
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ClaimedSegments.Set(float64(len(c.packages)))
	}
	return nil
}

// spawnLocked starts a Work Package for seg at tok. c.mu must be held.
func (c *Coordinator) spawnLocked(ctx context.Context, seg segment.Segment, tok token.Token) *workpkg.Package {
	var pkg = workpkg.New(workpkg.Config{
		Processor:               c.cfg.Processor,
		Owner:                   c.cfg.Owner,
		Segment:                 seg,
		Initial:                 tok,
		Store:                   c.cfg.Store,
		Invoker:                 c.cfg.Invoker,
		TxManager:               c.cfg.TxManager,
		BatchSize:               c.cfg.BatchSize,
		ClaimExtensionThreshold: c.cfg.ClaimExtensionThreshold,
		Rollback:                c.cfg.Rollback,
		ErrorHandler:            c.cfg.ErrorHandler,
		Clock:                   c.cfg.Clock,
		Metrics:                 c.cfg.Metrics,
		Log:                     c.cfg.Log,
	})
	pkg.SetOnCapacityAvailable(c.signal)
	c.packages[seg.ID] = pkg
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		pkg.Run(ctx)
	}()
	return pkg
}

// ensureStream opens the upstream BlockingStream if one is not already
// open, or reopens it if the lowest claimed token has drifted too far
// ahead of its opening position.
func (c *Coordinator) ensureStream(ctx context.Context) error {
	var min = c.minClaimedToken()

	c.mu.Lock()
	var stream = c.stream
	var openedFrom = c.streamFrom
	c.mu.Unlock()

	if stream != nil && c.cfg.ReopenLagThreshold > 0 {
		if openPos, ok := openedFrom.Position(); ok {
			if minPos, ok2 := min.Position(); ok2 && minPos-openPos > c.cfg.ReopenLagThreshold {
				_ = stream.Close()
				stream = nil
			}
		}
	}
	if stream != nil {
		return nil
	}

	var opened, err = c.cfg.Source.OpenStream(ctx, min)
	if err != nil {
		return errors.Wrap(errs.ErrStreamUnavailable, err.Error())
	}

	c.mu.Lock()
	c.stream = opened
	c.streamFrom = min
	c.pushEnabled = opened.SetOnAvailableCallback(c.onAvailable)
	c.mu.Unlock()
	return nil
}

// minClaimedToken returns the lowest-progress Token among all claimed
// Work Packages, or an unbounded Token if none are claimed.
func (c *Coordinator) minClaimedToken() token.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	var min token.Token
	var first = true
	for _, pkg := range c.packages {
		var cur = pkg.CurrentToken()
		if first || min.Covers(cur) {
			min = cur
			first = false
		}
	}
	if first {
		return token.Unbounded()
	}
	return min
}

// observeStreamPosition records tok as the furthest position the
// Coordinator has observed available from the stream, used by
// ProcessingStatus to decide whether a caught-up segment has actually
// reached the stream's head rather than merely finished replaying.
func (c *Coordinator) observeStreamPosition(tok token.Token) {
	c.mu.Lock()
	if tok.Covers(c.streamHead) {
		c.streamHead = tok
	}
	c.mu.Unlock()
}

// matchingPackages returns the claimed Work Packages whose segment
// matches evt's routing hash.
func (c *Coordinator) matchingPackages(evt source.TrackedEvent) []*workpkg.Package {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*workpkg.Package
	for _, pkg := range c.packages {
		if pkg.Segment().Matches(evt.RoutingHash) {
			out = append(out, pkg)
		}
	}
	return out
}

// dispatchPhase drains available events from the stream, routing each to
// every claimed Work Package whose segment matches, per spec.md §4.5.
func (c *Coordinator) dispatchPhase(ctx context.Context) {
	c.mu.Lock()
	var stream = c.stream
	c.mu.Unlock()
	if stream == nil {
		return
	}

	for {
		var evt, ok = stream.Peek()
		if !ok {
			return
		}
		c.observeStreamPosition(evt.Token)

		var matching = c.matchingPackages(evt)
		for _, pkg := range matching {
			if !pkg.HasRemainingCapacity() {
				// Backpressure: do not advance the stream past an event a
				// claimed, interested Work Package cannot yet accept.
				return
			}
		}

		if len(matching) == 0 {
			if _, err := stream.NextAvailable(ctx); err != nil {
				return
			}
			continue
		}

		var allCaughtUp = true
		for _, pkg := range matching {
			if !pkg.CurrentToken().Covers(evt.Token) {
				allCaughtUp = false
				break
			}
		}
		if allCaughtUp {
			// Every interested segment has already advanced past this
			// position; nothing to do but move the stream cursor.
			if _, err := stream.NextAvailable(ctx); err != nil {
				return
			}
			continue
		}

		if !c.cfg.Invoker.CanHandleType(evt.PayloadType) {
			stream.SkipMessagesWithPayloadTypeOf(evt)
			for _, pkg := range matching {
				pkg.ScheduleProgressMarker(evt)
			}
			if _, err := stream.NextAvailable(ctx); err != nil {
				return
			}
			continue
		}

		for _, pkg := range matching {
			pkg.ScheduleEvent(evt)
		}
		if _, err := stream.NextAvailable(ctx); err != nil {
			return
		}
	}
}

// livenessPhase reaps Work Packages that have aborted on their own
// (claim loss, handler failure) so claimPhase can reclaim their segments
// on a subsequent iteration.
func (c *Coordinator) livenessPhase(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, pkg := range c.packages {
		select {
		case <-pkg.Done():
			c.cfg.Log.WithField("segment", id).WithError(pkg.AbortReason()).Info("work package exited; releasing for reclaim")
			delete(c.packages, id)
			if c.errorCounts == nil {
				c.errorCounts = make(map[segment.ID]int)
			}
			c.errorCounts[id]++
		default:
		}
	}
}
