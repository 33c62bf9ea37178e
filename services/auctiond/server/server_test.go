package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/native/assets"
	"github.com/xibeiwind/solidity-task/native/auction"
	"github.com/xibeiwind/solidity-task/native/bank"
	"github.com/xibeiwind/solidity-task/native/oracle"
	"github.com/xibeiwind/solidity-task/services/auctiond/eventlog"
	"github.com/xibeiwind/solidity-task/storage"
)

const (
	testSecret = "test-secret"
	testStart  = int64(1_700_000_000)
)

var (
	sellerAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bidderOneAddr  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bidderTwoAddr  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	adminAddr      = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	collectionAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	tokenAddr      = common.HexToAddress("0x0000000000000000000000000000000000000070")
)

type testEnv struct {
	t       *testing.T
	now     atomic.Int64
	mgr     *state.Manager
	native  *bank.Native
	tokens  *bank.Tokens
	assets  *assets.Registry
	manual  *oracle.ManualFeed
	archive *eventlog.Archive
	hub     *Hub
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T, limits map[string]RateLimit) *testEnv {
	t.Helper()
	env := &testEnv{t: t}
	env.now.Store(testStart)
	nowFn := func() int64 { return env.now.Load() }

	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	env.mgr = state.NewManager(db)
	env.native = bank.NewNative(env.mgr)
	env.tokens = bank.NewTokens(env.mgr)
	env.assets = assets.NewRegistry(env.mgr)
	env.manual = oracle.NewManualFeed()

	adapter, err := oracle.NewAdapter(env.mgr, env.manual,
		oracle.WithNowFunc(nowFn),
		oracle.WithUnitFeed(types.NativeUnit(), oracle.FeedConfig{Ref: "eth-usd", Decimals: 8, UnitDecimals: 18}))
	require.NoError(t, err)

	gdb, err := eventlog.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	env.archive, err = eventlog.New(gdb, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.archive.Close() })
	env.hub = NewHub(16, 0)

	emitter := events.Fanout{env.archive, env.hub}
	registry, err := auction.NewRegistry(env.mgr, auction.Dependencies{
		Assets: env.assets,
		Native: env.native,
		Tokens: env.tokens,
		Valuer: adapter,
	}, 8, auction.WithEmitter(emitter), auction.WithNowFunc(nowFn), auction.WithPauseView(env.mgr))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, env.assets.Mint(ctx, collectionAddr, big.NewInt(1), sellerAddr))
	require.NoError(t, env.assets.Mint(ctx, collectionAddr, big.NewInt(2), sellerAddr))
	for _, acct := range []common.Address{bidderOneAddr, bidderTwoAddr} {
		require.NoError(t, env.native.Mint(ctx, acct, big.NewInt(1_000)))
		require.NoError(t, env.tokens.Mint(ctx, tokenAddr, acct, big.NewInt(1_000)))
	}
	require.NoError(t, env.mgr.SetRole(auction.AdminRole, adminAddr.Bytes()))

	env.server, err = New(Config{
		Auth:       AuthConfig{HMACSecret: testSecret, Issuer: "auctiond-test", AdminScope: "auction:admin"},
		RateLimits: limits,
	}, Deps{
		Auctions: registry,
		Oracle:   adapter,
		Manual:   env.manual,
		Archive:  env.archive,
		Hub:      env.hub,
		Native:   env.native,
		Tokens:   env.tokens,
		Pauses:   env.mgr,
	}, nil)
	require.NoError(t, err)
	env.handler = env.server.Handler()
	return env
}

func signToken(t *testing.T, sub common.Address, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub.Hex(),
		"iss":   "auctiond-test",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (env *testEnv) do(method, path string, as *common.Address, body any, scopes ...string) *httptest.ResponseRecorder {
	env.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+signToken(env.t, *as, scopes...))
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (env *testEnv) create(assetID string, reserve string) uint64 {
	env.t.Helper()
	rec := env.do(http.MethodPost, "/v1/auctions", &sellerAddr, map[string]any{
		"collection":      collectionAddr.Hex(),
		"assetId":         assetID,
		"startingPrice":   "10",
		"reservePrice":    reserve,
		"durationSeconds": 3600,
		"unit":            "native",
	})
	require.Equal(env.t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[struct {
		ID      uint64 `json:"id"`
		Custody string `json:"custody"`
	}](env.t, rec)
	require.Equal(env.t, common.Address(auction.CustodyAddress(out.ID)).Hex(), out.Custody)
	return out.ID
}

func TestAuctionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create("1", "15")
	base := fmt.Sprintf("/v1/auctions/%d", id)

	rec := env.do(http.MethodPost, base+"/bids", &bidderOneAddr, map[string]string{"amount": "12"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, base+"/bids", &bidderTwoAddr, map[string]string{"amount": "20"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[auctionView](t, rec)
	require.Equal(t, bidderTwoAddr.Hex(), view.Leader)
	require.Equal(t, "20", view.LeadingBid)
	require.True(t, view.ReserveMet)
	require.Equal(t, "active", view.Phase)

	rec = env.do(http.MethodPost, base+"/bids", &bidderOneAddr, map[string]string{"amount": "20"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "bid_too_low", decode[errorResponse](t, rec).Error)

	rec = env.do(http.MethodGet, base+"/refunds/"+bidderOneAddr.Hex(), &bidderOneAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "12", decode[map[string]string](t, rec)["amount"])

	rec = env.do(http.MethodPost, base+"/claims/seller", &sellerAddr, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	env.now.Store(testStart + 3600)
	rec = env.do(http.MethodPost, base+"/close", &bidderOneAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "ended", decode[auctionView](t, rec).Phase)

	rec = env.do(http.MethodPost, base+"/claims/winner", &bidderOneAddr, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "unauthorized", decode[errorResponse](t, rec).Error)

	rec = env.do(http.MethodPost, base+"/claims/seller", &sellerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, base+"/claims/seller", &sellerAddr, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_claimed", decode[errorResponse](t, rec).Error)

	rec = env.do(http.MethodPost, base+"/claims/winner", &bidderTwoAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, base+"/refunds/withdraw", &bidderOneAddr, map[string]string{"unit": "native"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "12", decode[map[string]string](t, rec)["amount"])
	rec = env.do(http.MethodPost, base+"/refunds/withdraw", &bidderOneAddr, map[string]string{"unit": "native"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "nothing_to_withdraw", decode[errorResponse](t, rec).Error)

	ctx := context.Background()
	owner, err := env.assets.OwnerOf(ctx, collectionAddr, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, [20]byte(bidderTwoAddr), owner)
	sellerBal, err := env.native.BalanceOf(ctx, sellerAddr)
	require.NoError(t, err)
	require.Equal(t, "20", sellerBal.String())

	rec = env.do(http.MethodGet, "/v1/accounts/"+bidderOneAddr.Hex()+"/balances?unit=native", &bidderOneAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1000", decode[map[string]string](t, rec)["balance"])

	rec = env.do(http.MethodGet, fmt.Sprintf("/v1/events?auction=%d", id), &sellerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}](t, rec)
	var kinds []string
	for _, e := range listed.Events {
		kinds = append(kinds, e.Type)
	}
	require.Equal(t, []string{
		auction.EventTypeOpened,
		auction.EventTypeBidPlaced,
		auction.EventTypeBidPlaced,
		auction.EventTypeClosed,
		auction.EventTypeSellerClaimed,
		auction.EventTypeWinnerClaimed,
		auction.EventTypeRefundWithdrawn,
	}, kinds)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create("1", "0")

	rec := env.do(http.MethodGet, fmt.Sprintf("/v1/auctions/%d", id), nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/auctions/%d", id), nil)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sellerAddr.Hex(), "iss": "auctiond-test",
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	forgedRec := httptest.NewRecorder()
	env.handler.ServeHTTP(forgedRec, req)
	require.Equal(t, http.StatusUnauthorized, forgedRec.Code)

	rec = env.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownAuction(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/v1/auctions/9", &sellerAddr, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "unknown_auction", decode[errorResponse](t, rec).Error)

	rec = env.do(http.MethodGet, "/v1/auctions/abc", &sellerAddr, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/v1/auctions", &sellerAddr, map[string]any{
		"collection": "not-an-address", "assetId": "1", "startingPrice": "10", "durationSeconds": 60,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/auctions", &sellerAddr, map[string]any{
		"collection": collectionAddr.Hex(), "assetId": "1", "startingPrice": "10", "durationSeconds": 0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_argument", decode[errorResponse](t, rec).Error)

	// A failed open does not consume an id.
	id := env.create("1", "0")
	require.Equal(t, uint64(1), id)
}

func TestEmergencyRecoverRequiresAdminScope(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create("1", "50")
	base := fmt.Sprintf("/v1/auctions/%d", id)
	rec := env.do(http.MethodPost, base+"/bids", &bidderOneAddr, map[string]string{"amount": "12"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, base+"/emergency-recover", &adminAddr, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "insufficient_scope", decode[errorResponse](t, rec).Error)

	rec = env.do(http.MethodPost, base+"/emergency-recover", &adminAddr, nil, "auction:admin")
	require.Equal(t, http.StatusConflict, rec.Code)

	env.now.Store(testStart + 3600 + int64(auction.EmergencyGrace/time.Second))
	rec = env.do(http.MethodPost, base+"/emergency-recover", &sellerAddr, nil, "auction:admin")
	require.Equal(t, http.StatusForbidden, rec.Code, "scope without the state role is not enough")

	rec = env.do(http.MethodPost, base+"/emergency-recover", &adminAddr, nil, "auction:admin")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[auctionView](t, rec)
	require.Equal(t, "ended", view.Phase)
	require.True(t, view.SellerClaimed)
	require.True(t, view.WinnerClaimed)

	bal, err := env.native.BalanceOf(context.Background(), bidderOneAddr)
	require.NoError(t, err)
	require.Equal(t, "1000", bal.String())
}

func TestPauseBlocksNewAuctionsOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create("1", "0")
	base := fmt.Sprintf("/v1/auctions/%d", id)
	rec := env.do(http.MethodPost, base+"/bids", &bidderOneAddr, map[string]string{"amount": "12"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/admin/pause", &sellerAddr, map[string]bool{"paused": true})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(http.MethodPost, "/v1/admin/pause", &adminAddr, map[string]bool{"paused": true}, "auction:admin")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, env.mgr.IsPaused(auction.ModuleName))

	rec = env.do(http.MethodPost, "/v1/auctions", &sellerAddr, map[string]any{
		"collection":      collectionAddr.Hex(),
		"assetId":         "2",
		"startingPrice":   "10",
		"durationSeconds": 3600,
		"unit":            "native",
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, base+"/bids", &bidderTwoAddr, map[string]string{"amount": "20"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	env.now.Store(testStart + 3600)
	rec = env.do(http.MethodPost, base+"/close", &sellerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, base+"/claims/seller", &sellerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, "settlement is not paused: %s", rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/admin/pause", &adminAddr, map[string]bool{"paused": false}, "auction:admin")
	require.Equal(t, http.StatusOK, rec.Code)
	env.create("2", "0")
}

func TestFungibleBidRequiresApproval(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/v1/auctions", &sellerAddr, map[string]any{
		"collection":      collectionAddr.Hex(),
		"assetId":         "2",
		"startingPrice":   "10",
		"durationSeconds": 600,
		"unit":            "fungible:" + tokenAddr.Hex(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		ID      uint64 `json:"id"`
		Custody string `json:"custody"`
	}](t, rec)
	bids := fmt.Sprintf("/v1/auctions/%d/bids", created.ID)
	unit := "fungible:" + tokenAddr.Hex()

	rec = env.do(http.MethodPost, bids, &bidderOneAddr, map[string]string{"amount": "15", "unit": unit})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "insufficient_authorization", decode[errorResponse](t, rec).Error)

	rec = env.do(http.MethodPost, bids, &bidderOneAddr, map[string]string{"amount": "15", "unit": "native"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "payment_mismatch", decode[errorResponse](t, rec).Error)

	rec = env.do(http.MethodPost, "/v1/tokens/"+tokenAddr.Hex()+"/approvals", &bidderOneAddr,
		map[string]string{"spender": created.Custody, "amount": "100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, bids, &bidderOneAddr, map[string]string{"amount": "15", "unit": unit})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/accounts/"+bidderOneAddr.Hex()+"/balances?unit="+unit, &bidderOneAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "985", decode[map[string]string](t, rec)["balance"])
}

func TestOraclePriceAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/v1/oracle/price?unit=native", &sellerAddr, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "invalid_feed", decode[errorResponse](t, rec).Error)

	rec = env.do(http.MethodPost, "/v1/oracle/observations", &adminAddr, map[string]any{
		"ref": "eth-usd", "roundId": "1", "answer": "300000000000", "updatedAt": testStart - 60, "answeredInRound": "1",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/v1/oracle/observations", &adminAddr, map[string]any{
		"ref": "eth-usd", "roundId": "1", "answer": "300000000000", "updatedAt": testStart - 60, "answeredInRound": "1",
	}, "auction:admin")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/oracle/price?unit=native&amount=1000000000000000000", &sellerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	price := decode[map[string]any](t, rec)
	require.Equal(t, "300000000000", price["price"])
	require.Equal(t, "3000", price["value"])

	rec = env.do(http.MethodGet, "/v1/oracle/health/eth-usd", &sellerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["healthy"])

	env.now.Store(testStart + int64(3*time.Hour/time.Second))
	rec = env.do(http.MethodGet, "/v1/oracle/health/eth-usd", &sellerAddr, nil)
	require.Equal(t, false, decode[map[string]any](t, rec)["healthy"])
	rec = env.do(http.MethodGet, "/v1/oracle/price?unit=native", &sellerAddr, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "stale_feed", decode[errorResponse](t, rec).Error)
}

func TestWriteRateLimit(t *testing.T) {
	env := newTestEnv(t, map[string]RateLimit{"write": {RequestsPerMinute: 1, Burst: 1}})
	env.create("1", "0")
	rec := env.do(http.MethodPost, "/v1/auctions/1/close", &sellerAddr, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Limits are per caller; this one reaches the engine, which refuses to
	// close before the end time.
	rec = env.do(http.MethodPost, "/v1/auctions/1/close", &bidderOneAddr, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/auctions/1", &sellerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create("1", "0")

	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/v1/events/ws?auction=%d", id)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + signToken(t, sellerAddr)}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readNotification := func() Notification {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var n Notification
		require.NoError(t, json.Unmarshal(data, &n))
		return n
	}

	opened := readNotification()
	require.Equal(t, auction.EventTypeOpened, opened.Type)

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/auctions/%d/bids", id), &bidderOneAddr, map[string]string{"amount": "10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bid := readNotification()
	require.Equal(t, auction.EventTypeBidPlaced, bid.Type)
	require.Greater(t, bid.Sequence, opened.Sequence)
	require.Equal(t, "10", bid.Attributes["amount"])
}
