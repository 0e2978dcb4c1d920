// Package psep implements the Pooled Streaming Event Processor: a
// processor façade that partitions an upstream event stream into
// independently-advancing segments, claims them exclusively across a
// distributed fleet via a Token Store, and dispatches events to a
// user-supplied handler with at-least-once delivery per segment.
package psep

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/psep-io/psep/coordinator"
	"github.com/psep-io/psep/errs"
	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/metrics"
	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore"
)

// Re-exported error taxonomy (spec.md §7), so callers need not import the
// internal errs package directly.
var (
	ErrConfiguration        = errs.ErrConfiguration
	ErrClaimLost            = errs.ErrClaimLost
	ErrStoreUnavailable     = errs.ErrStoreUnavailable
	ErrStreamUnavailable    = errs.ErrStreamUnavailable
	ErrHandlerFailure       = errs.ErrHandlerFailure
	ErrUnsupportedOperation = errs.ErrUnsupportedOperation
	ErrIllegalState         = errs.ErrIllegalState
)

// LifecycleState is a point in the Processor's lifecycle, per spec.md §4.7.
type LifecycleState int32

const (
	NotStarted LifecycleState = iota
	Running
	ShuttingDown
	Stopped
)

func (s LifecycleState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ProcessingStatus is the observable per-segment progress snapshot
// described by spec.md §3.
type ProcessingStatus = coordinator.SegmentStatus

// Processor is the façade described by spec.md §4.7. Construct one with
// New, call Start to begin consuming, and ShutDown (or ShutdownAsync) to
// stop.
type Processor struct {
	cfg     Config
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    LifecycleState
	coord    *coordinator.Coordinator
	runCtx   context.Context
	runCancel context.CancelFunc
	shutdown chan struct{}
}

// New builds a Processor from opts, applying defaults for any option left
// unset. It returns ErrConfiguration if the resulting configuration is
// invalid.
func New(opts ...Option) (*Processor, error) {
	var cfg = defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var done = make(chan struct{})
	close(done) // NotStarted's ShutdownAsync returns an already-completed future.

	return &Processor{
		cfg:      cfg,
		metrics:  metrics.New(cfg.Name),
		state:    NotStarted,
		shutdown: done,
	}, nil
}

// Start transitions the Processor to Running, initializing segments in
// the Token Store on first use and launching the Coordinator. It is a
// no-op if already Running, and fails with ErrIllegalState if called
// while ShuttingDown.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Running:
		return nil
	case ShuttingDown:
		return errors.Wrap(errs.ErrIllegalState, "start() called while ShuttingDown")
	}

	var initial, err = p.resolveInitialToken(ctx)
	if err != nil {
		return err
	}

	if err := p.cfg.TokenStore.InitializeTokenSegments(ctx, p.cfg.Name, p.cfg.InitialSegmentCount, initial); err != nil {
		if errors.Cause(err) != tokenstore.ErrUnableToInitialize {
			return errors.Wrap(errs.ErrStoreUnavailable, err.Error())
		}
		// Already initialized by a prior instance; proceed with the
		// existing segment set.
	}

	if err := p.metrics.Register(p.cfg.MetricsRegisterer); err != nil {
		p.cfg.Log.WithError(err).Warn("metrics registration failed; continuing unregistered")
	}

	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.coord = coordinator.New(coordinator.Config{
		Processor:               p.cfg.Name,
		Owner:                   p.cfg.Owner,
		Source:                  p.cfg.MessageSource,
		Store:                   p.cfg.TokenStore,
		Invoker:                 p.cfg.Invoker,
		TxManager:               p.cfg.TxManager,
		InitialSegmentCount:     p.cfg.InitialSegmentCount,
		BatchSize:               p.cfg.BatchSize,
		MaxClaimedSegments:      p.cfg.MaxClaimedSegments,
		TokenClaimInterval:      p.cfg.TokenClaimInterval,
		ClaimExtensionThreshold: p.cfg.ClaimExtensionThreshold,
		Rollback:                p.cfg.Rollback,
		ErrorHandler:            p.cfg.ErrorHandler,
		ErrorBackoffInitial:     p.cfg.ErrorBackoffInitial,
		ErrorBackoffCap:         p.cfg.ErrorBackoffCap,
		ReopenLagThreshold:      p.cfg.ReopenLagThreshold,
		Clock:                   p.cfg.Clock,
		Metrics:                 p.metrics,
		Log:                     p.cfg.Log,
	})
	p.coord.Start(p.runCtx)
	p.shutdown = make(chan struct{})
	p.state = Running
	return nil
}

func (p *Processor) resolveInitialToken(ctx context.Context) (token.Token, error) {
	if p.cfg.InitialToken != nil {
		var tok, err = p.cfg.InitialToken(p.cfg.MessageSource)
		if err != nil {
			return token.Token{}, errors.Wrap(errs.ErrConfiguration, err.Error())
		}
		return tok, nil
	}
	var tok, err = p.cfg.MessageSource.CreateTailToken(ctx)
	if err != nil {
		return token.Token{}, errors.Wrap(errs.ErrStreamUnavailable, err.Error())
	}
	return tok, nil
}

// ShutdownAsync transitions the Processor to ShuttingDown and returns a
// future (channel) closed once every Work Package has aborted, claims
// have been released, and the stream has closed. Repeated calls before
// the next Start return the same future.
func (p *Processor) ShutdownAsync() <-chan struct{} {
	p.mu.Lock()
	if p.state != Running {
		var ch = p.shutdown
		p.mu.Unlock()
		return ch
	}
	p.state = ShuttingDown
	var coord, cancel, future = p.coord, p.runCancel, p.shutdown
	p.mu.Unlock()

	go func() {
		cancel()
		if err := coord.Shutdown(context.Background()); err != nil {
			p.cfg.Log.WithError(err).Warn("coordinator shutdown did not complete cleanly")
		}
		p.mu.Lock()
		p.state = Stopped
		p.mu.Unlock()
		close(future)
	}()
	return future
}

// ShutDown blocks until ShutdownAsync's future completes or ctx is
// cancelled.
func (p *Processor) ShutDown(ctx context.Context) error {
	select {
	case <-p.ShutdownAsync():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the Processor is in the Running state.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Running
}

// State returns the Processor's current lifecycle state.
func (p *Processor) State() LifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsError reports whether the underlying Coordinator is currently in
// Paused-Error.
func (p *Processor) IsError() bool {
	p.mu.Lock()
	var coord = p.coord
	p.mu.Unlock()
	return coord != nil && coord.State() == coordinator.PausedError
}

// IsReplaying reports whether any claimed segment's current token is a
// Replay Token that has not yet caught up.
func (p *Processor) IsReplaying() bool {
	for _, st := range p.ProcessingStatus() {
		if st.IsReplaying && !st.IsCaughtUp {
			return true
		}
	}
	return false
}

// ProcessingStatus returns an eventually-consistent snapshot of every
// currently-claimed segment's progress.
func (p *Processor) ProcessingStatus() map[segment.ID]ProcessingStatus {
	p.mu.Lock()
	var coord = p.coord
	p.mu.Unlock()
	if coord == nil {
		return map[segment.ID]ProcessingStatus{}
	}
	return coord.ProcessingStatus()
}

// ReleaseSegment asks the Coordinator to abandon id, per spec.md §4.6.
func (p *Processor) ReleaseSegment(ctx context.Context, id segment.ID) coordinator.Result {
	var coord, err = p.runningCoordinator()
	if err != nil {
		return coordinator.Result{Err: err}
	}
	return coord.ReleaseSegment(ctx, id)
}

// SplitSegment asks the Coordinator to split id into two, per spec.md
// §4.6.
func (p *Processor) SplitSegment(ctx context.Context, id segment.ID) coordinator.Result {
	var coord, err = p.runningCoordinator()
	if err != nil {
		return coordinator.Result{Err: err}
	}
	return coord.SplitSegment(ctx, id)
}

// MergeSegment asks the Coordinator to merge id with its sibling, per
// spec.md §4.6.
func (p *Processor) MergeSegment(ctx context.Context, id segment.ID) coordinator.Result {
	var coord, err = p.runningCoordinator()
	if err != nil {
		return coordinator.Result{Err: err}
	}
	return coord.MergeSegment(ctx, id)
}

// ResetTokens replaces every segment's token with a Replay Token and
// invokes PerformReset on the configured Invoker. It is only permitted
// while the Processor is NotStarted or Stopped. A nil builder defaults to the source's
// current tail position.
func (p *Processor) ResetTokens(ctx context.Context, builder func(ctx context.Context, src source.Source) (token.Token, error), resetContext interface{}) error {
	p.mu.Lock()
	var state = p.state
	p.mu.Unlock()
	if state != Stopped && state != NotStarted {
		return errors.Wrap(errs.ErrIllegalState, "resetTokens() is only permitted while stopped")
	}
	if !p.cfg.Invoker.SupportsReset() {
		return errs.ErrUnsupportedOperation
	}
	if builder == nil {
		builder = func(ctx context.Context, src source.Source) (token.Token, error) {
			return src.CreateTailToken(ctx)
		}
	}

	// ResetTokens operates directly against the Token Store: no
	// Coordinator needs to be running (indeed, must not be, so no claims
	// are held anywhere in the fleet).
	var transient = coordinator.New(coordinator.Config{
		Processor:          p.cfg.Name,
		Owner:              p.cfg.Owner,
		Source:             p.cfg.MessageSource,
		Store:              p.cfg.TokenStore,
		Invoker:            p.cfg.Invoker,
		MaxClaimedSegments: p.cfg.MaxClaimedSegments,
		TokenClaimInterval: p.cfg.TokenClaimInterval,
		Clock:              p.cfg.Clock,
		Log:                p.cfg.Log,
	})
	return transient.ResetTokens(ctx, builder, resetContext)
}

func (p *Processor) runningCoordinator() (*coordinator.Coordinator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Running || p.coord == nil {
		return nil, errors.Wrap(errs.ErrIllegalState, "processor is not running")
	}
	return p.coord, nil
}

// SupportsReset reports whether the configured Invoker supports
// PerformReset.
func (p *Processor) SupportsReset() bool { return p.cfg.Invoker.SupportsReset() }

// MaxCapacity returns the configured per-node cap on claimed segments.
func (p *Processor) MaxCapacity() int { return p.cfg.MaxClaimedSegments }

// GetTokenStoreIdentifier returns the backing Token Store's stable
// identifier, or "" if it has none.
func (p *Processor) GetTokenStoreIdentifier() string {
	return p.cfg.TokenStore.RetrieveStorageIdentifier()
}
