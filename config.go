package psep

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/psep-io/psep/errs"
	"github.com/psep-io/psep/handler"
	"github.com/psep-io/psep/source"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore"
	"github.com/psep-io/psep/txn"
	"github.com/psep-io/psep/workpkg"
)

// MaxCapacity is the default per-node cap on claimed segments, per
// spec.md §4.7 (MAX_INT16).
const MaxCapacity = 32767

// Config collects every option a Processor is built from. It is
// constructed only via New's functional options; use an Option value
// rather than constructing Config directly.
type Config struct {
	Name                string
	Owner               string
	MessageSource       source.Source
	TokenStore          tokenstore.Store
	Invoker             handler.Invoker
	TxManager           txn.Manager
	MetricsRegisterer   prometheus.Registerer

	InitialSegmentCount int
	InitialToken        func(src source.Source) (token.Token, error)

	TokenClaimInterval      time.Duration
	ClaimExtensionThreshold time.Duration
	BatchSize               int
	MaxClaimedSegments      int
	ReopenLagThreshold      int64

	ErrorBackoffInitial time.Duration
	ErrorBackoffCap     time.Duration

	Rollback     workpkg.RollbackConfiguration
	ErrorHandler workpkg.ErrorHandler

	Clock clockwork.Clock
	Log   *logrus.Entry
}

// Option configures a Processor at construction time.
type Option func(*Config)

// WithName sets the processor's logical name, used as the Token Store
// key namespace. Required.
func WithName(name string) Option { return func(c *Config) { c.Name = name } }

// WithOwner overrides the generated owner/instance identity used for
// claims. Most callers should leave this to the default (a random UUID
// per process), set explicitly only for deterministic tests.
func WithOwner(owner string) Option { return func(c *Config) { c.Owner = owner } }

// WithMessageSource sets the upstream event source. Required.
func WithMessageSource(src source.Source) Option {
	return func(c *Config) { c.MessageSource = src }
}

// WithTokenStore sets the durable claim/progress store. Required.
func WithTokenStore(store tokenstore.Store) Option {
	return func(c *Config) { c.TokenStore = store }
}

// WithEventHandlerInvoker sets the user handler. Required.
func WithEventHandlerInvoker(inv handler.Invoker) Option {
	return func(c *Config) { c.Invoker = inv }
}

// WithTransactionManager sets the batch transaction boundary. Defaults to
// a no-op manager if left unset.
func WithTransactionManager(mgr txn.Manager) Option {
	return func(c *Config) { c.TxManager = mgr }
}

// WithMetricsRegisterer attaches a Prometheus registerer; collectors are
// registered at start() time. Leaving this unset disables registration
// (Metrics are still collected in-process, just not exported).
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.MetricsRegisterer = reg }
}

// WithInitialSegmentCount sets the number of segments created the first
// time this processor name is initialized in the Token Store. Default 16.
func WithInitialSegmentCount(n int) Option {
	return func(c *Config) { c.InitialSegmentCount = n }
}

// WithInitialToken overrides the token newly-initialized segments start
// from. Default is the source's tail (start consuming new events only).
func WithInitialToken(f func(src source.Source) (token.Token, error)) Option {
	return func(c *Config) { c.InitialToken = f }
}

// WithTokenClaimInterval sets the Coordinator's claim-sweep / sleep
// period. Default 5s.
func WithTokenClaimInterval(d time.Duration) Option {
	return func(c *Config) { c.TokenClaimInterval = d }
}

// WithClaimExtensionThreshold sets how long a Work Package may idle
// before it must refresh its claim. Default 5s.
func WithClaimExtensionThreshold(d time.Duration) Option {
	return func(c *Config) { c.ClaimExtensionThreshold = d }
}

// WithBatchSize sets the number of events handled per transaction.
// Default 1.
func WithBatchSize(n int) Option { return func(c *Config) { c.BatchSize = n } }

// WithMaxClaimedSegments caps how many segments this instance will claim
// at once. Default MaxCapacity.
func WithMaxClaimedSegments(n int) Option {
	return func(c *Config) { c.MaxClaimedSegments = n }
}

// WithReopenLagThreshold sets how far the lowest claimed token may drift
// ahead of the stream's opening position before the Coordinator proactively
// reopens it. Zero (the default) disables proactive reopening.
func WithReopenLagThreshold(n int64) Option {
	return func(c *Config) { c.ReopenLagThreshold = n }
}

// WithErrorBackoff sets the initial and capped exponential backoff
// applied while the Coordinator is in Paused-Error. Defaults: 1s initial,
// 30s cap.
func WithErrorBackoff(initial, cap time.Duration) Option {
	return func(c *Config) { c.ErrorBackoffInitial = initial; c.ErrorBackoffCap = cap }
}

// WithRollbackConfiguration overrides the default (always rollback)
// policy applied to handler failures.
func WithRollbackConfiguration(f workpkg.RollbackConfiguration) Option {
	return func(c *Config) { c.Rollback = f }
}

// WithErrorHandler overrides the default (always propagate) processor-
// level handler-failure policy.
func WithErrorHandler(f workpkg.ErrorHandler) Option {
	return func(c *Config) { c.ErrorHandler = f }
}

// WithClock overrides the wall clock used throughout the processor.
// Intended for tests; production callers should leave this unset.
func WithClock(clock clockwork.Clock) Option { return func(c *Config) { c.Clock = clock } }

// WithLogger overrides the structured logger entry every component logs
// through.
func WithLogger(log *logrus.Entry) Option { return func(c *Config) { c.Log = log } }

func defaultConfig() Config {
	return Config{
		Owner:                   uuid.NewString(),
		InitialSegmentCount:     16,
		TokenClaimInterval:      5 * time.Second,
		ClaimExtensionThreshold: 5 * time.Second,
		BatchSize:               1,
		MaxClaimedSegments:      MaxCapacity,
		ErrorBackoffInitial:     time.Second,
		ErrorBackoffCap:         30 * time.Second,
		TxManager:               txn.NoOp{},
		Rollback:                workpkg.RollbackOnAnyError,
		ErrorHandler:            workpkg.PropagateErrorHandler,
		Clock:                   clockwork.NewRealClock(),
		Log:                     logrus.NewEntry(logrus.StandardLogger()),
	}
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.Wrap(errs.ErrConfiguration, "name is required")
	}
	if c.MessageSource == nil {
		return errors.Wrap(errs.ErrConfiguration, "messageSource is required")
	}
	if c.TokenStore == nil {
		return errors.Wrap(errs.ErrConfiguration, "tokenStore is required")
	}
	if c.Invoker == nil {
		return errors.Wrap(errs.ErrConfiguration, "eventHandlerInvoker is required")
	}
	if c.InitialSegmentCount <= 0 {
		return errors.Wrap(errs.ErrConfiguration, "initialSegmentCount must be > 0")
	}
	if c.TokenClaimInterval <= 0 {
		return errors.Wrap(errs.ErrConfiguration, "tokenClaimInterval must be > 0")
	}
	if c.ClaimExtensionThreshold <= 0 {
		return errors.Wrap(errs.ErrConfiguration, "claimExtensionThreshold must be > 0")
	}
	if c.BatchSize <= 0 {
		return errors.Wrap(errs.ErrConfiguration, "batchSize must be > 0")
	}
	if c.MaxClaimedSegments <= 0 {
		return errors.Wrap(errs.ErrConfiguration, "maxClaimedSegments must be > 0")
	}
	return nil
}
