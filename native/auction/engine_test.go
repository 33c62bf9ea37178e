package auction

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/native/assets"
	"github.com/xibeiwind/solidity-task/native/bank"
	"github.com/xibeiwind/solidity-task/storage"
)

var (
	seller     = newTestAddress(0x5E)
	bidder1    = newTestAddress(0xB1)
	bidder2    = newTestAddress(0xB2)
	admin      = newTestAddress(0xAD)
	collection = newTestAddress(0xC0)
	token      = newTestAddress(0x70)
	assetID    = big.NewInt(42)
)

const startTime = int64(1_700_000_000)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

// tenths returns n/10 of a whole unit with 18 decimals.
func tenths(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000_000_000_000))
}

// hookNative lets tests intercept native transfers made by the engine.
type hookNative struct {
	*bank.Native
	onTransfer func(ctx context.Context, from, to [20]byte, amount *big.Int) error
}

func (h *hookNative) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if h.onTransfer != nil {
		if err := h.onTransfer(ctx, from, to, amount); err != nil {
			return err
		}
	}
	return h.Native.Transfer(ctx, from, to, amount)
}

type fixture struct {
	t        *testing.T
	mgr      *state.Manager
	native   *hookNative
	tokens   *bank.Tokens
	assets   *assets.Registry
	engine   *Engine
	recorder *events.Recorder
	now      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	f := &fixture{
		t:        t,
		mgr:      mgr,
		native:   &hookNative{Native: bank.NewNative(mgr)},
		tokens:   bank.NewTokens(mgr),
		assets:   assets.NewRegistry(mgr),
		recorder: &events.Recorder{},
		now:      startTime,
	}
	ctx := context.Background()
	if err := f.assets.Mint(ctx, collection, assetID, seller); err != nil {
		t.Fatalf("mint asset: %v", err)
	}
	for _, acct := range [][20]byte{bidder1, bidder2} {
		if err := f.native.Mint(ctx, acct, tenths(100)); err != nil {
			t.Fatalf("mint native: %v", err)
		}
	}
	f.engine = f.newEngine(1, Dependencies{Assets: f.assets, Native: f.native, Tokens: f.tokens})
	return f
}

func (f *fixture) newEngine(id uint64, deps Dependencies) *Engine {
	f.t.Helper()
	engine, err := NewEngine(id, f.mgr, deps)
	if err != nil {
		f.t.Fatalf("new engine: %v", err)
	}
	engine.SetNowFunc(func() int64 { return f.now })
	engine.SetEmitter(f.recorder)
	return engine
}

func nativeParams(start, reserve *big.Int, d time.Duration) OpenParams {
	return OpenParams{
		Collection:    collection,
		AssetID:       assetID,
		StartingPrice: start,
		ReservePrice:  reserve,
		Duration:      d,
		Unit:          types.NativeUnit(),
	}
}

func (f *fixture) open(params OpenParams) {
	f.t.Helper()
	if err := f.engine.Open(context.Background(), seller, params); err != nil {
		f.t.Fatalf("open: %v", err)
	}
}

func (f *fixture) bid(bidder [20]byte, amount *big.Int) error {
	return f.engine.PlaceBid(context.Background(), bidder, amount, types.NativeUnit())
}

func (f *fixture) mustBid(bidder [20]byte, amount *big.Int) {
	f.t.Helper()
	if err := f.bid(bidder, amount); err != nil {
		f.t.Fatalf("bid %s: %v", amount, err)
	}
}

func (f *fixture) closeAfterEnd() {
	f.t.Helper()
	rec := f.record()
	f.now = rec.EndTime
	if err := f.engine.Close(context.Background()); err != nil {
		f.t.Fatalf("close: %v", err)
	}
}

func (f *fixture) record() *Auction {
	f.t.Helper()
	rec, err := f.engine.Auction(context.Background())
	if err != nil {
		f.t.Fatalf("auction: %v", err)
	}
	return rec
}

func (f *fixture) owner() [20]byte {
	f.t.Helper()
	owner, err := f.assets.OwnerOf(context.Background(), collection, assetID)
	if err != nil {
		f.t.Fatalf("owner of: %v", err)
	}
	return owner
}

func (f *fixture) nativeBalance(acct [20]byte) *big.Int {
	f.t.Helper()
	bal, err := f.native.BalanceOf(context.Background(), acct)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return bal
}

func (f *fixture) pending(acct [20]byte) *big.Int {
	f.t.Helper()
	owed, err := f.engine.PendingRefund(context.Background(), acct, types.NativeUnit())
	if err != nil {
		f.t.Fatalf("pending refund: %v", err)
	}
	return owed
}

func (f *fixture) lastEvent(eventType string) map[string]string {
	f.t.Helper()
	evts := f.recorder.Events()
	for i := len(evts) - 1; i >= 0; i-- {
		if evts[i].EventType() == eventType {
			return evts[i].(events.Payload).Event().Attributes
		}
	}
	f.t.Fatalf("no %s event recorded", eventType)
	return nil
}

func (f *fixture) countEvents(eventType string) int {
	n := 0
	for _, evt := range f.recorder.Events() {
		if evt.EventType() == eventType {
			n++
		}
	}
	return n
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *auction.Error, got %T", err)
	}
}

func requireAmount(t *testing.T, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestScenarioReserveNotMet(t *testing.T) {
	f := newFixture(t)
	f.open(nativeParams(tenths(10), tenths(20), time.Hour))
	if f.owner() != f.engine.Custody() {
		t.Fatalf("asset not in custody after open")
	}

	f.mustBid(bidder1, tenths(15))
	requireKind(t, f.bid(bidder2, tenths(14)), ErrBidTooLow)

	f.closeAfterEnd()
	if winner := f.lastEvent(EventTypeClosed)["winner"]; winner != "" {
		t.Fatalf("expected no winner, got %s", winner)
	}
	met, err := f.engine.ReserveMet(context.Background())
	if err != nil || met {
		t.Fatalf("expected reserve unmet, met=%v err=%v", met, err)
	}

	requireKind(t, f.engine.WinnerClaim(context.Background(), bidder1), ErrInvalidState)
	if err := f.engine.SellerClaim(context.Background(), seller); err != nil {
		t.Fatalf("seller claim: %v", err)
	}
	if f.owner() != seller {
		t.Fatalf("asset not returned to seller")
	}
	if outcome := f.lastEvent(EventTypeSellerClaimed)["outcome"]; outcome != "asset" {
		t.Fatalf("unexpected seller outcome %s", outcome)
	}

	if err := f.engine.ReclaimBid(context.Background(), bidder1); err != nil {
		t.Fatalf("reclaim bid: %v", err)
	}
	requireAmount(t, f.nativeBalance(bidder1), tenths(100))
	requireKind(t, f.engine.ReclaimBid(context.Background(), bidder1), ErrAlreadyClaimed)
	requireAmount(t, f.nativeBalance(f.engine.Custody()), big.NewInt(0))
}

func TestScenarioOutbidRefund(t *testing.T) {
	f := newFixture(t)
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	f.mustBid(bidder1, tenths(15))
	f.mustBid(bidder2, tenths(25))

	requireAmount(t, f.pending(bidder1), tenths(15))
	requireAmount(t, f.nativeBalance(bidder1), tenths(85))

	if err := f.engine.WithdrawRefund(context.Background(), bidder1, types.NativeUnit()); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireAmount(t, f.nativeBalance(bidder1), tenths(100))
	requireAmount(t, f.pending(bidder1), big.NewInt(0))
	requireKind(t, f.engine.WithdrawRefund(context.Background(), bidder1, types.NativeUnit()), ErrNothingToWithdraw)
	requireAmount(t, f.nativeBalance(bidder1), tenths(100))

	attrs := f.lastEvent(EventTypeRefundWithdrawn)
	if attrs["amount"] != tenths(15).String() {
		t.Fatalf("unexpected refund amount %s", attrs["amount"])
	}
	if f.countEvents(EventTypeRefundWithdrawn) != 1 {
		t.Fatalf("expected a single refund event")
	}
}

func TestScenarioFungibleAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unit := types.FungibleUnit(token)
	params := nativeParams(big.NewInt(100), big.NewInt(0), time.Hour)
	params.Unit = unit
	f.open(params)
	custody := f.engine.Custody()

	if err := f.tokens.Mint(ctx, token, bidder1, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	requireKind(t, f.engine.PlaceBid(ctx, bidder1, big.NewInt(150), unit), ErrInsufficientAuthorization)

	if err := f.tokens.Approve(ctx, token, bidder1, custody, big.NewInt(150)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	requireKind(t, f.engine.PlaceBid(ctx, bidder1, big.NewInt(150), unit), ErrInsufficientFunds)

	if err := f.tokens.Mint(ctx, token, bidder1, big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.engine.PlaceBid(ctx, bidder1, big.NewInt(150), unit); err != nil {
		t.Fatalf("bid: %v", err)
	}
	custodyBal, _ := f.tokens.BalanceOf(ctx, token, custody)
	requireAmount(t, custodyBal, big.NewInt(150))
	bidderBal, _ := f.tokens.BalanceOf(ctx, token, bidder1)
	requireAmount(t, bidderBal, big.NewInt(0))

	requireKind(t, f.engine.PlaceBid(ctx, bidder2, big.NewInt(200), types.NativeUnit()), ErrPaymentMismatch)
}

func TestScenarioEmergencyRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.SetRole(AdminRole, admin[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	f.mustBid(bidder1, tenths(15))
	end := f.record().EndTime

	f.now = end + int64(EmergencyGrace/time.Second) - 1
	requireKind(t, f.engine.EmergencyRecover(ctx, admin), ErrInvalidState)
	f.now++
	requireKind(t, f.engine.EmergencyRecover(ctx, bidder1), ErrUnauthorized)

	if err := f.engine.EmergencyRecover(ctx, admin); err != nil {
		t.Fatalf("emergency recover: %v", err)
	}
	rec := f.record()
	if rec.Phase != PhaseEnded || !rec.SellerClaimed || !rec.WinnerClaimed {
		t.Fatalf("unexpected record after recovery: %+v", rec)
	}
	requireAmount(t, f.nativeBalance(seller), tenths(15))
	if f.owner() != bidder1 {
		t.Fatalf("asset not delivered to winner")
	}
	attrs := f.lastEvent(EventTypeEmergencyRecovered)
	if attrs["fundsTo"] == "" || attrs["assetTo"] == "" {
		t.Fatalf("expected both legs recovered: %v", attrs)
	}
	if f.countEvents(EventTypeClosed) != 1 {
		t.Fatalf("expected recovery to close the auction")
	}

	requireKind(t, f.engine.EmergencyRecover(ctx, admin), ErrInvalidState)
	requireKind(t, f.engine.SellerClaim(ctx, seller), ErrAlreadyClaimed)
	requireKind(t, f.engine.WinnerClaim(ctx, bidder1), ErrAlreadyClaimed)
	requireAmount(t, f.nativeBalance(seller), tenths(15))
}

func TestEmergencyRecoverOnlyUnclaimedLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.SetRole(AdminRole, admin[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	f.mustBid(bidder1, tenths(15))
	f.closeAfterEnd()
	if err := f.engine.SellerClaim(ctx, seller); err != nil {
		t.Fatalf("seller claim: %v", err)
	}

	f.now += int64(EmergencyGrace / time.Second)
	if err := f.engine.EmergencyRecover(ctx, admin); err != nil {
		t.Fatalf("emergency recover: %v", err)
	}
	requireAmount(t, f.nativeBalance(seller), tenths(15))
	if f.owner() != bidder1 {
		t.Fatalf("asset not delivered to winner")
	}
	attrs := f.lastEvent(EventTypeEmergencyRecovered)
	if attrs["fundsTo"] != "" {
		t.Fatalf("funds leg must not be paid twice: %v", attrs)
	}
}

func TestEmergencyRecoverReserveNotMet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.SetRole(AdminRole, admin[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	f.open(nativeParams(tenths(10), tenths(50), time.Hour))
	f.mustBid(bidder1, tenths(15))
	f.now = f.record().EndTime + int64(EmergencyGrace/time.Second)

	if err := f.engine.EmergencyRecover(ctx, admin); err != nil {
		t.Fatalf("emergency recover: %v", err)
	}
	if f.owner() != seller {
		t.Fatalf("asset must return to seller when reserve unmet")
	}
	requireAmount(t, f.nativeBalance(bidder1), tenths(100))
	requireAmount(t, f.nativeBalance(seller), big.NewInt(0))
}

func TestEmergencyRecoverRejectsCancelled(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.SetRole(AdminRole, admin[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	requireKind(t, f.engine.EmergencyRecover(context.Background(), admin), ErrInvalidState)
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	if err := f.engine.Cancel(context.Background(), seller); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.now += int64((MaxDuration + EmergencyGrace) / time.Second)
	requireKind(t, f.engine.EmergencyRecover(context.Background(), admin), ErrInvalidState)
}

func TestOpenValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*OpenParams)
		want   error
	}{
		{name: "zero starting price", mutate: func(p *OpenParams) { p.StartingPrice = big.NewInt(0) }, want: ErrInvalidArgument},
		{name: "negative reserve", mutate: func(p *OpenParams) { p.ReservePrice = big.NewInt(-1) }, want: ErrInvalidArgument},
		{name: "zero duration", mutate: func(p *OpenParams) { p.Duration = 0 }, want: ErrInvalidArgument},
		{name: "duration too long", mutate: func(p *OpenParams) { p.Duration = MaxDuration + time.Second }, want: ErrInvalidArgument},
		{name: "fungible without token", mutate: func(p *OpenParams) { p.Unit = types.PaymentUnit{Kind: types.UnitFungible} }, want: ErrInvalidArgument},
		{name: "native with token", mutate: func(p *OpenParams) { p.Unit = types.PaymentUnit{Kind: types.UnitNative, Token: token} }, want: ErrInvalidArgument},
		{name: "asset not owned", mutate: func(p *OpenParams) { p.AssetID = big.NewInt(999) }, want: ErrTransferFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			params := nativeParams(tenths(10), big.NewInt(0), time.Hour)
			tc.mutate(&params)
			requireKind(t, f.engine.Open(context.Background(), seller, params), tc.want)
			if rec := f.record(); rec.Phase != PhaseNotStarted {
				t.Fatalf("failed open changed phase to %s", rec.Phase)
			}
			if f.owner() != seller {
				t.Fatalf("failed open moved the asset")
			}
			if len(f.recorder.Events()) != 0 {
				t.Fatalf("failed open emitted events")
			}
		})
	}
}

func TestOpenMaxDurationAndReopen(t *testing.T) {
	f := newFixture(t)
	f.open(nativeParams(tenths(10), big.NewInt(0), MaxDuration))
	rec := f.record()
	if rec.EndTime != startTime+int64(MaxDuration/time.Second) {
		t.Fatalf("unexpected end time %d", rec.EndTime)
	}
	if f.lastEvent(EventTypeOpened)["unit"] != "native" {
		t.Fatalf("unexpected unit attribute")
	}
	requireKind(t, f.engine.Open(context.Background(), seller, nativeParams(tenths(10), big.NewInt(0), time.Hour)), ErrInvalidState)
}

func TestCloseRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.engine.Close(ctx); err != nil {
		t.Fatalf("close before open must be a no-op: %v", err)
	}
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	f.mustBid(bidder1, tenths(12))
	f.now = f.record().EndTime - 1
	requireKind(t, f.engine.Close(ctx), ErrInvalidState)
	requireKind(t, f.bid(bidder2, tenths(12)), ErrBidTooLow)

	f.now++
	requireKind(t, f.bid(bidder2, tenths(20)), ErrInvalidState)
	if err := f.engine.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.engine.Close(ctx); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}
	if f.countEvents(EventTypeClosed) != 1 {
		t.Fatalf("expected a single close event")
	}
	if winner := f.lastEvent(EventTypeClosed)["winner"]; winner == "" {
		t.Fatalf("expected a winner")
	}
	requireAmount(t, f.nativeBalance(f.engine.Custody()), tenths(12))
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requireKind(t, f.engine.Cancel(ctx, seller), ErrInvalidState)
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	requireKind(t, f.engine.Cancel(ctx, bidder1), ErrUnauthorized)
	if err := f.engine.Cancel(ctx, seller); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.owner() != seller {
		t.Fatalf("asset not returned on cancel")
	}
	requireKind(t, f.bid(bidder1, tenths(15)), ErrInvalidState)
	requireKind(t, f.engine.Cancel(ctx, seller), ErrInvalidState)
	requireKind(t, f.engine.SellerClaim(ctx, seller), ErrInvalidState)

	g := newFixture(t)
	g.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	g.mustBid(bidder1, tenths(15))
	requireKind(t, g.engine.Cancel(ctx, seller), ErrInvalidState)
}

func TestClaimsReserveMet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(nativeParams(tenths(10), tenths(20), time.Hour))
	f.mustBid(bidder1, tenths(15))
	f.mustBid(bidder2, tenths(25))

	requireKind(t, f.engine.SellerClaim(ctx, seller), ErrInvalidState)
	f.closeAfterEnd()

	requireKind(t, f.engine.SellerClaim(ctx, bidder2), ErrUnauthorized)
	requireKind(t, f.engine.WinnerClaim(ctx, bidder1), ErrUnauthorized)
	requireKind(t, f.engine.ReclaimBid(ctx, bidder2), ErrInvalidState)

	if err := f.engine.SellerClaim(ctx, seller); err != nil {
		t.Fatalf("seller claim: %v", err)
	}
	requireAmount(t, f.nativeBalance(seller), tenths(25))
	if err := f.engine.WinnerClaim(ctx, bidder2); err != nil {
		t.Fatalf("winner claim: %v", err)
	}
	if f.owner() != bidder2 {
		t.Fatalf("asset not delivered to winner")
	}

	err := f.engine.SellerClaim(ctx, seller)
	requireKind(t, err, ErrAlreadyClaimed)
	requireKind(t, err, ErrInvalidState)
	requireKind(t, f.engine.WinnerClaim(ctx, bidder2), ErrAlreadyClaimed)
	requireAmount(t, f.nativeBalance(seller), tenths(25))

	// The displaced bidder can still withdraw after settlement.
	if err := f.engine.WithdrawRefund(ctx, bidder1, types.NativeUnit()); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireAmount(t, f.nativeBalance(f.engine.Custody()), big.NewInt(0))
}

func TestFailedPayoutRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	f.mustBid(bidder1, tenths(15))
	f.mustBid(bidder2, tenths(20))
	f.closeAfterEnd()

	custody := f.engine.Custody()
	f.native.onTransfer = func(_ context.Context, from, _ [20]byte, _ *big.Int) error {
		if from == custody {
			return errors.New("ledger offline")
		}
		return nil
	}
	requireKind(t, f.engine.SellerClaim(ctx, seller), ErrTransferFailed)
	requireKind(t, f.engine.WithdrawRefund(ctx, bidder1, types.NativeUnit()), ErrTransferFailed)
	if rec := f.record(); rec.SellerClaimed {
		t.Fatalf("failed claim left the flag set")
	}
	requireAmount(t, f.pending(bidder1), tenths(15))
	if f.countEvents(EventTypeSellerClaimed) != 0 {
		t.Fatalf("failed claim emitted an event")
	}

	f.native.onTransfer = nil
	if err := f.engine.SellerClaim(ctx, seller); err != nil {
		t.Fatalf("seller claim: %v", err)
	}
	if err := f.engine.WithdrawRefund(ctx, bidder1, types.NativeUnit()); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
}

func TestFailedPullRollsBackBid(t *testing.T) {
	f := newFixture(t)
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	f.mustBid(bidder1, tenths(15))

	f.native.onTransfer = func(_ context.Context, from, _ [20]byte, _ *big.Int) error {
		if from == bidder2 {
			return errors.New("rejected")
		}
		return nil
	}
	requireKind(t, f.bid(bidder2, tenths(20)), ErrTransferFailed)
	rec := f.record()
	if rec.Leader != bidder1 || rec.LeadingBid.Cmp(tenths(15)) != 0 {
		t.Fatalf("failed bid changed the leader: %+v", rec)
	}
	requireAmount(t, f.pending(bidder1), big.NewInt(0))
	requireKind(t, f.bid(newTestAddress(0xB3), tenths(20)), ErrInsufficientFunds)
}

func TestReentrantWithdrawIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	f.mustBid(bidder1, tenths(15))
	f.mustBid(bidder2, tenths(20))

	custody := f.engine.Custody()
	var reentryErr error
	var observed *big.Int
	f.native.onTransfer = func(ctx context.Context, from, to [20]byte, _ *big.Int) error {
		if from != custody || to != bidder1 {
			return nil
		}
		reentryErr = f.engine.WithdrawRefund(ctx, bidder1, types.NativeUnit())
		owed, err := f.engine.PendingRefund(ctx, bidder1, types.NativeUnit())
		if err != nil {
			return err
		}
		observed = owed
		return nil
	}
	if err := f.engine.WithdrawRefund(ctx, bidder1, types.NativeUnit()); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireKind(t, reentryErr, ErrReentrant)
	if observed == nil || observed.Sign() != 0 {
		t.Fatalf("re-entrant query must observe the zeroed entry, got %v", observed)
	}
	requireAmount(t, f.nativeBalance(bidder1), tenths(100))
}

func TestReentrantBidObservesNewLeader(t *testing.T) {
	f := newFixture(t)
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))

	var snapshot *Auction
	var reentryErr error
	f.native.onTransfer = func(ctx context.Context, from, _ [20]byte, _ *big.Int) error {
		if from != bidder1 {
			return nil
		}
		rec, err := f.engine.Auction(ctx)
		if err != nil {
			return err
		}
		snapshot = rec
		reentryErr = f.engine.PlaceBid(ctx, bidder1, tenths(50), types.NativeUnit())
		return nil
	}
	f.mustBid(bidder1, tenths(15))
	requireKind(t, reentryErr, ErrReentrant)
	if snapshot == nil || !snapshot.HasLeader || snapshot.Leader != bidder1 {
		t.Fatalf("re-entrant query must see the new leader: %+v", snapshot)
	}
	requireAmount(t, f.record().LeadingBid, tenths(15))
}

func TestCrossAuctionCallFromCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.newEngine(2, Dependencies{Assets: f.assets, Native: f.native})
	otherID := big.NewInt(43)
	if err := f.assets.Mint(ctx, collection, otherID, seller); err != nil {
		t.Fatalf("mint: %v", err)
	}
	params := nativeParams(tenths(10), big.NewInt(0), time.Hour)
	params.AssetID = otherID
	if err := other.Open(ctx, seller, params); err != nil {
		t.Fatalf("open other: %v", err)
	}
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))

	var nestedErr error
	f.native.onTransfer = func(ctx context.Context, from, to [20]byte, _ *big.Int) error {
		if from == bidder1 && to == f.engine.Custody() {
			nestedErr = other.PlaceBid(ctx, bidder1, tenths(11), types.NativeUnit())
		}
		return nil
	}
	f.mustBid(bidder1, tenths(15))
	if nestedErr != nil {
		t.Fatalf("bid on another auction from a callback: %v", nestedErr)
	}
	rec, err := other.Auction(ctx)
	if err != nil {
		t.Fatalf("auction: %v", err)
	}
	requireAmount(t, rec.LeadingBid, tenths(11))
	requireAmount(t, f.nativeBalance(bidder1), tenths(74))
}

func TestPausedAuctionStillSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.SetPauseView(f.mgr)
	f.open(nativeParams(tenths(10), big.NewInt(0), time.Hour))
	f.mustBid(bidder1, tenths(15))
	if err := f.mgr.SetPaused(ModuleName, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	requireKind(t, f.bid(bidder2, tenths(20)), ErrInvalidState)
	f.closeAfterEnd()
	if err := f.engine.SellerClaim(ctx, seller); err != nil {
		t.Fatalf("seller claim while paused: %v", err)
	}
	if err := f.engine.WinnerClaim(ctx, bidder1); err != nil {
		t.Fatalf("winner claim while paused: %v", err)
	}
}

func TestLeadingBidMonotoneAndEscrowSums(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bidders := [][20]byte{bidder1, bidder2, newTestAddress(0xB3)}
	if err := f.native.Mint(ctx, bidders[2], tenths(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.open(nativeParams(big.NewInt(1), big.NewInt(0), time.Hour))

	expected := map[[20]byte]*big.Int{}
	for _, b := range bidders {
		expected[b] = big.NewInt(0)
	}
	leading := big.NewInt(0)
	var leader [20]byte
	hasLeader := false
	// Deterministic sequence: some bids undercut, some raise.
	steps := []int64{5, -3, 7, 0, 12, -1, 4, 9, -8, 30, 2, 2, -2, 15}
	for i, step := range steps {
		bidder := bidders[i%len(bidders)]
		amount := new(big.Int).Add(leading, big.NewInt(step))
		err := f.bid(bidder, amount)
		if step <= 0 {
			requireKind(t, err, ErrBidTooLow)
			continue
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if hasLeader {
			expected[leader].Add(expected[leader], leading)
		}
		if amount.Cmp(leading) <= 0 {
			t.Fatalf("accepted bid did not raise the lead")
		}
		leading, leader, hasLeader = amount, bidder, true
		requireAmount(t, f.record().LeadingBid, leading)
	}

	total := big.NewInt(0)
	for _, b := range bidders {
		requireAmount(t, f.pending(b), expected[b])
		total.Add(total, expected[b])
	}
	outstanding, err := f.engine.Outstanding(ctx, types.NativeUnit())
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	requireAmount(t, outstanding, total)
	requireAmount(t, f.nativeBalance(f.engine.Custody()), new(big.Int).Add(total, leading))
}

func TestWithdrawRefundRejectsInvalidUnit(t *testing.T) {
	f := newFixture(t)
	requireKind(t, f.engine.WithdrawRefund(context.Background(), bidder1, types.PaymentUnit{Kind: types.UnitFungible}), ErrInvalidArgument)
	requireKind(t, f.engine.WithdrawRefund(context.Background(), bidder1, types.FungibleUnit(token)), ErrNothingToWithdraw)
}
