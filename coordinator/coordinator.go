// Package coordinator implements the Coordinator: the single-goroutine
// owner of the upstream message source, which claims segments, fans out
// events to per-segment Work Packages, and serializes split/merge/release
// control operations against a consistent view of its own state.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/psep-io/psep/errs"
	"github.com/psep-io/psep/handler"
	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/metrics"
	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore"
	"github.com/psep-io/psep/txn"
	"github.com/psep-io/psep/workpkg"
)

// State is a point in the Coordinator's lifecycle, per spec.md §3.
type State int32

const (
	NotStarted State = iota
	Starting
	Running
	PausedError
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case PausedError:
		return "Paused-Error"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config parametrizes a Coordinator. All duration fields must be
// strictly positive; New does not itself validate them, as
// that is the Processor façade's responsibility (spec.md §6).
type Config struct {
	Processor string
	Owner     string

	Source    source.Source
	Store     tokenstore.Store
	Invoker   handler.Invoker
	TxManager txn.Manager

	InitialSegmentCount int
	InitialToken        func(ctx context.Context, src source.Source) (token.Token, error)

	BatchSize               int
	MaxClaimedSegments      int
	TokenClaimInterval      time.Duration
	ClaimExtensionThreshold time.Duration

	Rollback     workpkg.RollbackConfiguration
	ErrorHandler workpkg.ErrorHandler

	ErrorBackoffInitial time.Duration
	ErrorBackoffCap     time.Duration

	// ReopenLagThreshold, if positive, causes the Coordinator to close
	// and reopen its stream when the lowest claimed token has advanced
	// past the stream's opening position by more than this many
	// positions. Zero disables proactive reopening.
	ReopenLagThreshold int64

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

// SegmentStatus is the observable processing status of a single segment,
// per spec.md §3's "Processing Status".
type SegmentStatus struct {
	CurrentPosition *int64
	Token           token.Token
	IsCaughtUp      bool
	IsReplaying     bool
	IsErrorState    bool
	ErrorCount      int
}

// Coordinator is the concurrent core described by spec.md §4.5.
type Coordinator struct {
	cfg Config

	mu          sync.Mutex
	state       State
	packages    map[segment.ID]*workpkg.Package
	errorCounts map[segment.ID]int
	releaseHold map[segment.ID]time.Time

	errorBackoff time.Duration
	backoffUntil time.Time
	lastErr      error

	stream       source.BlockingStream
	streamFrom   token.Token
	streamHead   token.Token
	pushEnabled  bool

	control chan *task
	wake    chan struct{}

	wg   sync.WaitGroup
	done chan struct{}
}

// New constructs a Coordinator. It does not start the main loop; call
// Start to do so.
func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Rollback == nil {
		cfg.Rollback = workpkg.RollbackOnAnyError
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = workpkg.PropagateErrorHandler
	}
	return &Coordinator{
		cfg:         cfg,
		state:       NotStarted,
		packages:    make(map[segment.ID]*workpkg.Package),
		errorCounts: make(map[segment.ID]int),
		releaseHold: make(map[segment.ID]time.Time),
		errorBackoff: cfg.ErrorBackoffInitial,
		control:      make(chan *task, 16),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the Coordinator's main loop in its own goroutine. It
// returns immediately; the loop runs until ctx is cancelled or Shutdown
// is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.setState(Starting)
	go c.runLoop(ctx)
}

// Done returns a channel closed once the main loop and every Work Package
// it spawned have fully exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Shutdown aborts every Work Package, closes the stream, and waits for
// the main loop to exit. It is safe to call multiple times.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.setState(Stopping)

	c.mu.Lock()
	var pkgs = make([]*workpkg.Package, 0, len(c.packages))
	for _, p := range c.packages {
		pkgs = append(pkgs, p)
	}
	var stream = c.stream
	c.mu.Unlock()

	for _, p := range pkgs {
		p.Abort(errors.New("processor shutting down"))
	}
	if stream != nil {
		_ = stream.Close()
	}
	for _, p := range pkgs {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	for _, p := range pkgs {
		delete(c.packages, p.Segment().ID)
	}
	c.state = Stopped
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the Coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent error that drove the Coordinator into
// Paused-Error, if any.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer close(c.done)
	defer c.wg.Wait()
	// Work Packages run under this context, so leaving the loop also stops
	// any of them still running before wg.Wait.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s := c.State(); s == Stopping || s == Stopped {
			return
		}

		if wait, until := c.backoffRemaining(); wait {
			select {
			case <-c.cfg.Clock.After(until.Sub(c.cfg.Clock.Now())):
			case <-ctx.Done():
				return
			}
		}

		if err := c.claimPhase(ctx); err != nil {
			c.enterPausedError(err)
			continue
		}
		if err := c.ensureStream(ctx); err != nil {
			c.enterPausedError(err)
			continue
		}
		c.recoverFromError()

		c.dispatchPhase(ctx)
		c.drainControlTasks(ctx)
		c.livenessPhase(ctx)

		c.sleep(ctx)
	}
}

func (c *Coordinator) backoffRemaining() (wait bool, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != PausedError {
		return false, time.Time{}
	}
	var now = c.cfg.Clock.Now()
	if now.Before(c.backoffUntil) {
		return true, c.backoffUntil
	}
	return false, time.Time{}
}

func (c *Coordinator) enterPausedError(err error) {
	c.mu.Lock()
	c.state = PausedError
	c.lastErr = err
	if c.errorBackoff <= 0 {
		c.errorBackoff = c.cfg.ErrorBackoffInitial
	}
	c.backoffUntil = c.cfg.Clock.Now().Add(c.errorBackoff)
	c.errorBackoff *= 2
	if c.cfg.ErrorBackoffCap > 0 && c.errorBackoff > c.cfg.ErrorBackoffCap {
		c.errorBackoff = c.cfg.ErrorBackoffCap
	}
	c.mu.Unlock()

	c.cfg.Log.WithError(err).WithField("processor", c.cfg.Processor).Warn("coordinator entering Paused-Error")
}

func (c *Coordinator) recoverFromError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == PausedError {
		c.state = Running
		c.errorBackoff = c.cfg.ErrorBackoffInitial
	} else if c.state == Starting {
		c.state = Running
	}
}

func (c *Coordinator) sleep(ctx context.Context) {
	var timer = c.cfg.Clock.NewTimer(c.cfg.TokenClaimInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-timer.Chan():
	case t := <-c.control:
		// A control task arrived mid-sleep: put it back so the next
		// iteration's drainControlTasks call picks it up, and wake
		// immediately rather than sleeping out the full interval.
		c.control <- t
	}
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) onAvailable() {
	// Invoked synchronously from the source's publishing thread; must
	// not block or do meaningful work (spec.md §9, availability-callback
	// reentry open question).
	c.signal()
}
