package workpkg_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore/inmem"
	"github.com/psep-io/psep/workpkg"
)

// fakeInvoker records every Handle call and can be configured to fail on
// a specific payload value.
type fakeInvoker struct {
	handled  []interface{}
	failOn   interface{}
	cannotHandle map[interface{}]bool
}

func (f *fakeInvoker) CanHandleType(string) bool { return true }

func (f *fakeInvoker) CanHandle(evt source.TrackedEvent, _ segment.Segment) bool {
	return !f.cannotHandle[evt.Payload]
}

func (f *fakeInvoker) Handle(_ context.Context, evt source.TrackedEvent, _ segment.Segment) error {
	if f.failOn != nil && evt.Payload == f.failOn {
		return errors.New("boom")
	}
	f.handled = append(f.handled, evt.Payload)
	return nil
}

func (f *fakeInvoker) SupportsReset() bool                               { return false }
func (f *fakeInvoker) PerformReset(context.Context, interface{}) error { return nil }

func setup(t *testing.T, inv *fakeInvoker, batchSize int) (*workpkg.Package, *inmem.Store, context.Context, context.CancelFunc) {
	t.Helper()
	var ctx, cancel = context.WithCancel(context.Background())
	var store = inmem.New(time.Minute)
	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = store.FetchSegments(ctx, "proc")
	_, err := store.FetchToken(ctx, "proc", segs[0].ID, "owner")
	require.NoError(t, err)

	var pkg = workpkg.New(workpkg.Config{
		Processor: "proc",
		Owner:     "owner",
		Segment:   segs[0],
		Initial:   token.At(0),
		Store:     store,
		Invoker:   inv,
		BatchSize: batchSize,
		ClaimExtensionThreshold: time.Hour,
		Clock:     clockwork.NewRealClock(),
	})
	return pkg, store, ctx, cancel
}

func TestHappyPathHandlesInOrderAndPersists(t *testing.T) {
	var inv = &fakeInvoker{}
	var pkg, store, ctx, cancel = setup(t, inv, 2)
	defer cancel()

	go pkg.Run(ctx)

	for i := 1; i <= 4; i++ {
		assert.True(t, pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(int64(i)), Payload: i}))
	}

	require.Eventually(t, func() bool {
		var tok = pkg.CurrentToken()
		var pos, _ = tok.Position()
		return pos == 4
	}, time.Second, time.Millisecond)

	assert.Equal(t, []interface{}{1, 2, 3, 4}, inv.handled)

	var tok, err = store.FetchToken(context.Background(), "proc", pkg.Segment().ID, "owner")
	require.NoError(t, err)
	var pos, _ = tok.Position()
	assert.EqualValues(t, 4, pos)
}

func TestCanHandleFalseSkipsButAdvancesToken(t *testing.T) {
	var inv = &fakeInvoker{cannotHandle: map[interface{}]bool{2: true}}
	var pkg, _, ctx, cancel = setup(t, inv, 10)
	defer cancel()

	go pkg.Run(ctx)

	for i := 1; i <= 3; i++ {
		pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(int64(i)), Payload: i})
	}

	require.Eventually(t, func() bool {
		var pos, _ = pkg.CurrentToken().Position()
		return pos == 3
	}, time.Second, time.Millisecond)

	assert.Equal(t, []interface{}{1, 3}, inv.handled)
}

func TestHandlerFailureWithRollbackAbortsAndDiscardsBatch(t *testing.T) {
	var inv = &fakeInvoker{failOn: 2}
	var pkg, store, ctx, cancel = setup(t, inv, 10)
	defer cancel()

	go pkg.Run(ctx)

	for i := 1; i <= 3; i++ {
		pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(int64(i)), Payload: i})
	}

	select {
	case <-pkg.Done():
	case <-time.After(time.Second):
		t.Fatal("expected work package to abort")
	}

	assert.Equal(t, workpkg.StateAborted, pkg.State())
	require.Error(t, pkg.AbortReason())

	// Default RollbackConfiguration rolls back: nothing from this batch
	// (including event 1, which preceded the failure) was persisted.
	var tok, err = store.FetchToken(context.Background(), "proc", pkg.Segment().ID, "owner")
	require.NoError(t, err)
	var pos, _ = tok.Position()
	assert.EqualValues(t, 0, pos)
}

func TestHandlerFailureWithoutRollbackCommitsPriorProgress(t *testing.T) {
	var inv = &fakeInvoker{failOn: 2}
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var store = inmem.New(time.Minute)
	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = store.FetchSegments(ctx, "proc")
	_, _ = store.FetchToken(ctx, "proc", segs[0].ID, "owner")

	var pkg = workpkg.New(workpkg.Config{
		Processor: "proc",
		Owner:     "owner",
		Segment:   segs[0],
		Initial:   token.At(0),
		Store:     store,
		Invoker:   inv,
		BatchSize: 10,
		ClaimExtensionThreshold: time.Hour,
		Clock:     clockwork.NewRealClock(),
		Rollback:  func(error) bool { return false },
	})

	go pkg.Run(ctx)

	for i := 1; i <= 3; i++ {
		pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(int64(i)), Payload: i})
	}

	select {
	case <-pkg.Done():
	case <-time.After(time.Second):
		t.Fatal("expected work package to abort")
	}

	var tok, err = store.FetchToken(context.Background(), "proc", segs[0].ID, "owner")
	require.NoError(t, err)
	var pos, _ = tok.Position()
	assert.EqualValues(t, 1, pos, "progress through event 1 (preceding the failure) should be committed")
}

func TestErrorHandlerSkipContinuesWithoutAborting(t *testing.T) {
	var inv = &fakeInvoker{failOn: 2}
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var store = inmem.New(time.Minute)
	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = store.FetchSegments(ctx, "proc")
	_, _ = store.FetchToken(ctx, "proc", segs[0].ID, "owner")

	var pkg = workpkg.New(workpkg.Config{
		Processor: "proc",
		Owner:     "owner",
		Segment:   segs[0],
		Initial:   token.At(0),
		Store:     store,
		Invoker:   inv,
		BatchSize: 10,
		ClaimExtensionThreshold: time.Hour,
		Clock:     clockwork.NewRealClock(),
		ErrorHandler: func(source.TrackedEvent, error) workpkg.ErrorHandlerDecision {
			return workpkg.Skip
		},
	})

	go pkg.Run(ctx)

	for i := 1; i <= 3; i++ {
		pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(int64(i)), Payload: i})
	}

	require.Eventually(t, func() bool {
		var pos, _ = pkg.CurrentToken().Position()
		return pos == 3
	}, time.Second, time.Millisecond)

	assert.NotEqual(t, workpkg.StateAborted, pkg.State())
	assert.Equal(t, []interface{}{1, 3}, inv.handled)
}

func TestClaimExtensionFailureAborts(t *testing.T) {
	var inv = &fakeInvoker{}
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var store = inmem.New(time.Minute)
	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = store.FetchSegments(ctx, "proc")
	_, _ = store.FetchToken(ctx, "proc", segs[0].ID, "owner")
	// Steal the claim out from under the work package.
	require.NoError(t, store.ReleaseClaim(ctx, "proc", segs[0].ID, "owner"))
	_, _ = store.FetchToken(ctx, "proc", segs[0].ID, "thief")

	var pkg = workpkg.New(workpkg.Config{
		Processor: "proc",
		Owner:     "owner",
		Segment:   segs[0],
		Initial:   token.At(0),
		Store:     store,
		Invoker:   inv,
		BatchSize: 1,
		ClaimExtensionThreshold: time.Millisecond,
		Clock:     clockwork.NewRealClock(),
	})

	go pkg.Run(ctx)

	select {
	case <-pkg.Done():
	case <-time.After(time.Second):
		t.Fatal("expected claim extension failure to abort the work package")
	}
	require.Error(t, pkg.AbortReason())
}

func TestHasRemainingCapacity(t *testing.T) {
	var inv = &fakeInvoker{}
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var store = inmem.New(time.Minute)
	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = store.FetchSegments(ctx, "proc")
	_, _ = store.FetchToken(ctx, "proc", segs[0].ID, "owner")

	// No Run loop started: events accumulate in the pending queue so we
	// can directly observe HasRemainingCapacity transition to false.
	var pkg = workpkg.New(workpkg.Config{
		Processor: "proc", Owner: "owner", Segment: segs[0],
		Initial: token.At(0), Store: store, Invoker: inv, BatchSize: 1,
		ClaimExtensionThreshold: time.Hour, Clock: clockwork.NewRealClock(),
	})

	assert.True(t, pkg.HasRemainingCapacity())
	for i := 0; i < 4; i++ {
		pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(int64(i)), Payload: i})
	}
	assert.False(t, pkg.HasRemainingCapacity())
}

func TestScheduleProgressMarkerAdvancesWithoutHandling(t *testing.T) {
	var inv = &fakeInvoker{}
	var pkg, store, ctx, cancel = setup(t, inv, 10)
	defer cancel()

	go pkg.Run(ctx)

	pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(1), Payload: 1})
	pkg.ScheduleProgressMarker(source.TrackedEvent{Token: token.At(2), Payload: 2})
	pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(3), Payload: 3})

	require.Eventually(t, func() bool {
		var pos, _ = pkg.CurrentToken().Position()
		return pos == 3
	}, time.Second, time.Millisecond)

	assert.Equal(t, []interface{}{1, 3}, inv.handled, "the progress marker must never reach Handle")

	var tok, err = store.FetchToken(context.Background(), "proc", pkg.Segment().ID, "owner")
	require.NoError(t, err)
	var pos, _ = tok.Position()
	assert.EqualValues(t, 3, pos)
}

func TestErrorHandlerRetryReattemptsWithoutAborting(t *testing.T) {
	var inv = &fakeInvoker{failOn: 2}
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var store = inmem.New(time.Minute)
	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, token.At(0)))
	var segs, _ = store.FetchSegments(ctx, "proc")
	_, _ = store.FetchToken(ctx, "proc", segs[0].ID, "owner")

	var attempts int
	var pkg = workpkg.New(workpkg.Config{
		Processor: "proc",
		Owner:     "owner",
		Segment:   segs[0],
		Initial:   token.At(0),
		Store:     store,
		Invoker:   inv,
		BatchSize: 10,
		ClaimExtensionThreshold: time.Hour,
		Clock:     clockwork.NewRealClock(),
		RetryBackoffInitial: time.Millisecond,
		RetryBackoffCap:     10 * time.Millisecond,
		ErrorHandler: func(_ source.TrackedEvent, _ error) workpkg.ErrorHandlerDecision {
			attempts++
			if attempts < 3 {
				return workpkg.Retry
			}
			inv.failOn = nil // stop failing so the retried batch can finally commit.
			return workpkg.Retry
		},
	})

	go pkg.Run(ctx)

	for i := 1; i <= 3; i++ {
		pkg.ScheduleEvent(source.TrackedEvent{Token: token.At(int64(i)), Payload: i})
	}

	require.Eventually(t, func() bool {
		var pos, _ = pkg.CurrentToken().Position()
		return pos == 3
	}, time.Second, time.Millisecond)

	assert.NotEqual(t, workpkg.StateAborted, pkg.State())
	assert.Equal(t, []interface{}{1, 2, 3}, inv.handled, "the retried event must eventually be handled in order")
}

func TestAbortReleasesClaim(t *testing.T) {
	var inv = &fakeInvoker{}
	var pkg, store, ctx, cancel = setup(t, inv, 1)
	defer cancel()

	go pkg.Run(ctx)

	select {
	case <-pkg.Abort(errors.New("shutdown")):
	case <-time.After(time.Second):
		t.Fatal("expected abort to complete")
	}

	_, err := store.FetchToken(context.Background(), "proc", pkg.Segment().ID, "someone-else")
	assert.NoError(t, err, "claim should have been released on abort")
}
