package auction

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
	nativecommon "github.com/xibeiwind/solidity-task/native/common"
	"github.com/xibeiwind/solidity-task/native/escrow"
	"github.com/xibeiwind/solidity-task/observability/metrics"
)

const tracerName = "github.com/xibeiwind/solidity-task/native/auction"

var (
	errNilState = errors.New("auction engine: state not configured")
	errNilAsset = errors.New("auction engine: asset registry not configured")
)

// Engine runs a single auction. Operations are serialised by a per-instance
// mutex and execute inside a state journal: either every effect, including
// the ones made through in-process ledgers, lands or none does.
//
// Lock order is the state manager's journal lock first, then the engine
// mutex. Re-entrant calls made by capabilities carry a marker on their
// context; mutating ones are rejected and read-only queries are served from
// the in-flight journal.
type Engine struct {
	mu      sync.Mutex
	id      uint64
	custody [20]byte
	state   *state.Manager
	escrow  *escrow.Ledger
	deps    Dependencies
	emitter events.Emitter
	nowFn   func() int64
	logger  *slog.Logger
	tracer  trace.Tracer
	pauses  nativecommon.PauseView
}

// CustodyAddress derives the account that holds assets and bids of auction id.
func CustodyAddress(id uint64) [20]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	hash := ethcrypto.Keccak256([]byte("auction/custody/"), buf[:])
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

func recordPrefix(id uint64) []byte {
	return []byte("auction/" + strconv.FormatUint(id, 10) + "/")
}

// NewEngine constructs the engine of auction id. The custody account is
// derived from the id.
func NewEngine(id uint64, mgr *state.Manager, deps Dependencies) (*Engine, error) {
	if mgr == nil {
		return nil, errNilState
	}
	if deps.Assets == nil {
		return nil, errNilAsset
	}
	return &Engine{
		id:      id,
		custody: CustodyAddress(id),
		state:   mgr,
		escrow:  escrow.NewLedger(mgr, recordPrefix(id)),
		deps:    deps,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetPauseView installs the pause flags consulted before new auctions open and
// new bids land. Settlement paths are never paused.
func (e *Engine) SetPauseView(p nativecommon.PauseView) { e.pauses = p }

// ID returns the auction id.
func (e *Engine) ID() uint64 { return e.id }

// Custody returns the account holding the asset and bids.
func (e *Engine) Custody() [20]byte { return e.custody }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) recordKey() []byte {
	return append(recordPrefix(e.id), "record"...)
}

func (e *Engine) load(ctx context.Context) (*Auction, error) {
	var stored storedAuction
	ok, err := e.state.Reader(ctx).KVGet(e.recordKey(), &stored)
	if err != nil {
		return nil, fmt.Errorf("auction: load record: %w", err)
	}
	if !ok {
		return &Auction{
			ID:            e.id,
			AssetID:       big.NewInt(0),
			StartingPrice: big.NewInt(0),
			ReservePrice:  big.NewInt(0),
			LeadingBid:    big.NewInt(0),
			Phase:         PhaseNotStarted,
		}, nil
	}
	return stored.toAuction(e.id), nil
}

// save persists rec into the journal bound to ctx. Operations call it before
// every external call so that re-entrant readers observe the guard state.
func (e *Engine) save(ctx context.Context, rec *Auction) error {
	if err := e.state.Reader(ctx).KVPut(e.recordKey(), newStoredAuction(rec)); err != nil {
		return fmt.Errorf("auction: store record: %w", err)
	}
	return nil
}

func (e *Engine) emit(j *state.Journal, evt *types.Event) {
	if evt == nil {
		return
	}
	emitter := e.emitter
	j.OnCommit(func() {
		metrics.Auction().RecordEvent(evt.Type)
		emitter.Emit(auctionEvent{evt: evt})
	})
}

// run executes fn as one atomic operation.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, j *state.Journal, rec *Auction) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if isInFlight(ctx, e) {
		return fail(op, ErrReentrant, "operation already in progress")
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "auction."+op,
		trace.WithAttributes(attribute.Int64("auction.id", int64(e.id))))
	defer func() {
		err = asError(op, err)
		code := Code(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		}
		span.End()
		metrics.Auction().ObserveOperation(op, code, time.Since(start))
	}()

	j, jctx := e.state.Begin(ctx)
	defer j.Discard()
	e.mu.Lock()
	defer e.mu.Unlock()
	jctx = markInFlight(jctx, e)

	rec, err := e.load(jctx)
	if err != nil {
		return err
	}
	if err := fn(jctx, j, rec); err != nil {
		return err
	}
	return j.Commit()
}

// read serves a query. Inside an in-flight operation of e it reads the
// journal directly; the engine mutex is held by that operation.
func (e *Engine) read(ctx context.Context, fn func(ctx context.Context, rec *Auction) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !isInFlight(ctx, e) {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	rec, err := e.load(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, rec)
}

func (e *Engine) guard() error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

// Open starts the auction: the asset moves from seller into custody and the
// bidding window begins.
func (e *Engine) Open(ctx context.Context, seller [20]byte, params OpenParams) error {
	const op = "open"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if rec.Phase != PhaseNotStarted {
			return fail(op, ErrInvalidState, "auction already %s", rec.Phase)
		}
		if err := e.guard(); err != nil {
			return err
		}
		if params.StartingPrice == nil || params.StartingPrice.Sign() <= 0 {
			return fail(op, ErrInvalidArgument, "starting price must be positive")
		}
		if params.ReservePrice != nil && params.ReservePrice.Sign() < 0 {
			return fail(op, ErrInvalidArgument, "reserve price must not be negative")
		}
		if params.Duration < time.Second || params.Duration > MaxDuration {
			return fail(op, ErrInvalidArgument, "duration %s outside (0, %s]", params.Duration, MaxDuration)
		}
		if params.AssetID == nil || params.AssetID.Sign() < 0 {
			return fail(op, ErrInvalidArgument, "asset id required")
		}
		if _, err := e.channel(params.Unit); err != nil {
			return err
		}

		now := e.now()
		rec.Seller = seller
		rec.Collection = params.Collection
		rec.AssetID = new(big.Int).Set(params.AssetID)
		rec.StartingPrice = new(big.Int).Set(params.StartingPrice)
		rec.ReservePrice = zeroIfNil(params.ReservePrice)
		rec.Unit = params.Unit
		rec.StartTime = now
		rec.EndTime = now + int64(params.Duration/time.Second)
		rec.Phase = PhaseActive
		if err := e.save(ctx, rec); err != nil {
			return err
		}
		if err := e.deps.Assets.TransferAsset(ctx, rec.Collection, seller, e.custody, rec.AssetID); err != nil {
			return fail(op, ErrTransferFailed, "take asset into custody: %v", err)
		}
		e.emit(j, NewOpenedEvent(rec))
		return nil
	})
}

// Close ends bidding once the window elapsed. Closing an auction that is not
// Active is a no-op. No value moves; participants claim afterwards.
func (e *Engine) Close(ctx context.Context) error {
	const op = "close"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if rec.Phase != PhaseActive {
			return nil
		}
		if e.now() < rec.EndTime {
			return fail(op, ErrInvalidState, "bidding open until %d", rec.EndTime)
		}
		rec.Phase = PhaseEnded
		if err := e.save(ctx, rec); err != nil {
			return err
		}
		e.emit(j, NewClosedEvent(rec))
		return nil
	})
}

// Cancel withdraws an auction that has not received any bid and returns the
// asset to the seller.
func (e *Engine) Cancel(ctx context.Context, caller [20]byte) error {
	const op = "cancel"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if rec.Phase == PhaseNotStarted {
			return fail(op, ErrInvalidState, "auction not started")
		}
		if caller != rec.Seller {
			return fail(op, ErrUnauthorized, "only the seller may cancel")
		}
		if rec.Phase != PhaseActive {
			return fail(op, ErrInvalidState, "auction already %s", rec.Phase)
		}
		if rec.HasLeader {
			return fail(op, ErrInvalidState, "auction has bids")
		}
		rec.Phase = PhaseCancelled
		if err := e.save(ctx, rec); err != nil {
			return err
		}
		if err := e.deps.Assets.TransferAsset(ctx, rec.Collection, e.custody, rec.Seller, rec.AssetID); err != nil {
			return fail(op, ErrTransferFailed, "return asset: %v", err)
		}
		e.emit(j, NewCancelledEvent(rec))
		return nil
	})
}

// Auction returns a snapshot of the record.
func (e *Engine) Auction(ctx context.Context) (*Auction, error) {
	var out *Auction
	err := e.read(ctx, func(_ context.Context, rec *Auction) error {
		out = rec.Clone()
		return nil
	})
	return out, err
}

// ReserveMet reports whether the current leading bid meets the reserve.
func (e *Engine) ReserveMet(ctx context.Context) (bool, error) {
	var met bool
	err := e.read(ctx, func(_ context.Context, rec *Auction) error {
		met = rec.ReserveMet()
		return nil
	})
	return met, err
}

// PendingRefund returns the refundable balance of beneficiary in unit.
func (e *Engine) PendingRefund(ctx context.Context, beneficiary [20]byte, unit types.PaymentUnit) (*big.Int, error) {
	var owed *big.Int
	err := e.read(ctx, func(ctx context.Context, _ *Auction) error {
		var err error
		owed, err = e.escrow.Pending(ctx, beneficiary, unit)
		return err
	})
	return owed, err
}

// Outstanding returns the refund liability of the auction in unit.
func (e *Engine) Outstanding(ctx context.Context, unit types.PaymentUnit) (*big.Int, error) {
	var total *big.Int
	err := e.read(ctx, func(ctx context.Context, _ *Auction) error {
		var err error
		total, err = e.escrow.Outstanding(ctx, unit)
		return err
	})
	return total, err
}
