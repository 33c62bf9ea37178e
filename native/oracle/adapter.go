package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
)

const (
	// DefaultQuoteValidity bounds how long a quote is served after the feed
	// reported it.
	DefaultQuoteValidity = time.Hour
	// DefaultHealthBound bounds the age of the latest observation for a feed
	// to be considered healthy.
	DefaultHealthBound = 2 * time.Hour
	// MaxClockSkew tolerates feeds whose clocks run slightly ahead.
	MaxClockSkew = 5 * time.Second
)

var quotePrefix = []byte("oracle/quote/")

// FeedConfig binds a payment unit to a feed reference.
type FeedConfig struct {
	Ref string
	// Decimals is the precision of the feed's answers.
	Decimals uint8
	// UnitDecimals is the precision of the unit's base amounts.
	UnitDecimals uint8
}

type storedQuote struct {
	Price     *big.Int
	Timestamp uint64
	Round     *big.Int
}

// Adapter validates and caches price quotes read from a Feed. Cached quotes
// live in state so they survive restarts and roll back with the operation
// that fetched them.
type Adapter struct {
	state       *state.Manager
	feed        Feed
	feeds       map[string]FeedConfig
	validity    time.Duration
	healthBound time.Duration
	nowFn       func() int64
	emitter     events.Emitter
	logger      *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithUnitFeed binds unit to the feed described by cfg.
func WithUnitFeed(unit types.PaymentUnit, cfg FeedConfig) Option {
	return func(a *Adapter) {
		a.feeds[unit.Key()] = cfg
	}
}

// WithQuoteValidity overrides DefaultQuoteValidity.
func WithQuoteValidity(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.validity = d
		}
	}
}

// WithHealthBound overrides DefaultHealthBound.
func WithHealthBound(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.healthBound = d
		}
	}
}

// WithNowFunc overrides the time source, primarily for tests.
func WithNowFunc(now func() int64) Option {
	return func(a *Adapter) {
		if now != nil {
			a.nowFn = now
		}
	}
}

// WithEmitter installs the emitter receiving feed updates.
func WithEmitter(emitter events.Emitter) Option {
	return func(a *Adapter) {
		if emitter != nil {
			a.emitter = emitter
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter constructs an adapter reading from feed.
func NewAdapter(mgr *state.Manager, feed Feed, opts ...Option) (*Adapter, error) {
	if mgr == nil {
		return nil, fmt.Errorf("oracle: state required")
	}
	if feed == nil {
		return nil, fmt.Errorf("oracle: feed required")
	}
	a := &Adapter{
		state:       mgr,
		feed:        feed,
		feeds:       make(map[string]FeedConfig),
		validity:    DefaultQuoteValidity,
		healthBound: DefaultHealthBound,
		nowFn:       func() int64 { return time.Now().Unix() },
		emitter:     events.NoopEmitter{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func (a *Adapter) now() int64 { return a.nowFn() }

func quoteKey(unit types.PaymentUnit) []byte {
	return append(append([]byte(nil), quotePrefix...), unit.Key()...)
}

// FeedFor returns the feed configuration bound to unit.
func (a *Adapter) FeedFor(unit types.PaymentUnit) (FeedConfig, bool) {
	cfg, ok := a.feeds[unit.Key()]
	return cfg, ok && cfg.Ref != ""
}

func (a *Adapter) fresh(timestamp int64) bool {
	now := a.now()
	if timestamp > now+int64(MaxClockSkew/time.Second) {
		return false
	}
	return now-timestamp <= int64(a.validity/time.Second)
}

// CachedQuote returns the quote cached for unit regardless of freshness.
func (a *Adapter) CachedQuote(ctx context.Context, unit types.PaymentUnit) (Quote, bool, error) {
	var stored storedQuote
	ok, err := a.state.Reader(ctx).KVGet(quoteKey(unit), &stored)
	if err != nil || !ok {
		return Quote{}, false, err
	}
	return Quote{Price: stored.Price, Timestamp: int64(stored.Timestamp), Round: stored.Round}, true, nil
}

// GetPrice returns a fresh quote for unit, serving the cache while it is
// within the validity window and refreshing it from the feed otherwise.
func (a *Adapter) GetPrice(ctx context.Context, unit types.PaymentUnit) (Quote, error) {
	cfg, ok := a.FeedFor(unit)
	if !ok {
		return Quote{}, fmt.Errorf("%w: no feed configured for %s", ErrInvalidFeed, unit.Key())
	}
	cached, ok, err := a.CachedQuote(ctx, unit)
	if err != nil {
		return Quote{}, err
	}
	if ok && a.fresh(cached.Timestamp) {
		return cached, nil
	}

	obs, err := a.feed.LatestObservation(ctx, cfg.Ref)
	if err != nil {
		if errors.Is(err, ErrUnknownFeed) {
			return Quote{}, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
		}
		return Quote{}, fmt.Errorf("oracle: read feed %s: %w", cfg.Ref, err)
	}
	quote, err := a.validate(obs)
	if err != nil {
		a.logger.Warn("oracle: rejected observation",
			slog.String("unit", unit.Key()),
			slog.String("feed", cfg.Ref),
			slog.Any("error", err))
		return Quote{}, err
	}
	if ok && cached.Round != nil && obs.RoundID.Cmp(cached.Round) < 0 {
		a.logger.Warn("oracle: round went backwards",
			slog.String("unit", unit.Key()),
			slog.String("feed", cfg.Ref),
			slog.String("cached_round", cached.Round.String()),
			slog.String("round", obs.RoundID.String()))
		return Quote{}, fmt.Errorf("%w: round %s behind cached round %s", ErrStaleFeed, obs.RoundID, cached.Round)
	}

	j, jctx := a.state.Begin(ctx)
	defer j.Discard()
	stored := storedQuote{Price: quote.Price, Timestamp: uint64(quote.Timestamp), Round: quote.Round}
	if err := a.state.Reader(jctx).KVPut(quoteKey(unit), stored); err != nil {
		return Quote{}, fmt.Errorf("oracle: store quote: %w", err)
	}
	evt := NewFeedUpdatedEvent(unit, cfg.Ref, quote)
	j.OnCommit(func() { a.emitter.Emit(oracleEvent{evt: evt}) })
	if err := j.Commit(); err != nil {
		return Quote{}, err
	}
	return quote.Clone(), nil
}

func (a *Adapter) validate(obs Observation) (Quote, error) {
	if obs.Answer == nil || obs.Answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: non-positive price", ErrInvalidFeed)
	}
	if obs.UpdatedAt == 0 {
		return Quote{}, fmt.Errorf("%w: round not complete", ErrStaleFeed)
	}
	if obs.RoundID == nil || obs.AnsweredInRound == nil || obs.AnsweredInRound.Cmp(obs.RoundID) < 0 {
		return Quote{}, fmt.Errorf("%w: answered in an earlier round", ErrStaleFeed)
	}
	now := a.now()
	if obs.UpdatedAt > now+int64(MaxClockSkew/time.Second) {
		return Quote{}, fmt.Errorf("%w: observation from the future", ErrStaleFeed)
	}
	if now-obs.UpdatedAt > int64(a.validity/time.Second) {
		return Quote{}, fmt.Errorf("%w: observation older than %s", ErrStaleFeed, a.validity)
	}
	return Quote{
		Price:     new(big.Int).Set(obs.Answer),
		Timestamp: obs.UpdatedAt,
		Round:     new(big.Int).Set(obs.AnsweredInRound),
	}, nil
}

// IsFeedHealthy reports whether the latest observation of feedRef is positive
// and younger than the health bound. It ignores the quote cache.
func (a *Adapter) IsFeedHealthy(ctx context.Context, feedRef string) bool {
	obs, err := a.feed.LatestObservation(ctx, feedRef)
	if err != nil {
		return false
	}
	if obs.Answer == nil || obs.Answer.Sign() <= 0 || obs.UpdatedAt == 0 {
		return false
	}
	now := a.now()
	if obs.UpdatedAt > now+int64(MaxClockSkew/time.Second) {
		return false
	}
	return now-obs.UpdatedAt <= int64(a.healthBound/time.Second)
}

// Valuate converts amount base units of unit into the feed's quote currency.
func (a *Adapter) Valuate(ctx context.Context, unit types.PaymentUnit, amount *big.Int) (decimal.Decimal, error) {
	if amount == nil || amount.Sign() == 0 {
		return decimal.Zero, nil
	}
	quote, err := a.GetPrice(ctx, unit)
	if err != nil {
		return decimal.Zero, err
	}
	cfg, _ := a.FeedFor(unit)
	value := decimal.NewFromBigInt(amount, 0).Mul(decimal.NewFromBigInt(quote.Price, 0))
	return value.Shift(-int32(cfg.Decimals) - int32(cfg.UnitDecimals)), nil
}
