package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/native/auction"
	"github.com/xibeiwind/solidity-task/native/oracle"
	"github.com/xibeiwind/solidity-task/services/auctiond/eventlog"
)

// Oracle is the price surface served over HTTP. Satisfied by *oracle.Adapter.
type Oracle interface {
	GetPrice(ctx context.Context, unit types.PaymentUnit) (oracle.Quote, error)
	Valuate(ctx context.Context, unit types.PaymentUnit, amount *big.Int) (decimal.Decimal, error)
	IsFeedHealthy(ctx context.Context, feedRef string) bool
}

// EventStore lists archived notifications. Satisfied by *eventlog.Archive.
type EventStore interface {
	List(ctx context.Context, f eventlog.Filter) ([]eventlog.Record, error)
}

// NativeBalances reads native balances.
type NativeBalances interface {
	BalanceOf(ctx context.Context, acct [20]byte) (*big.Int, error)
}

// TokenLedger reads token balances and records allowances.
type TokenLedger interface {
	BalanceOf(ctx context.Context, token, acct [20]byte) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender [20]byte) (*big.Int, error)
	Approve(ctx context.Context, token, owner, spender [20]byte, amount *big.Int) error
}

// Pauser toggles module pause flags. Satisfied by *state.Manager.
type Pauser interface {
	SetPaused(module string, paused bool) error
	IsPaused(module string) bool
}

// Config captures the HTTP surface settings.
type Config struct {
	ListenAddress string
	// MaxConnections caps concurrently accepted connections; zero is
	// unlimited.
	MaxConnections int
	Auth           AuthConfig
	RateLimits     map[string]RateLimit
	OriginPatterns []string
}

// Deps are the components the handlers call into. Only Auctions is required;
// routes backed by a missing component answer 503.
type Deps struct {
	Auctions *auction.Registry
	Oracle   Oracle
	// Manual receives observations posted by admins when prices are not read
	// from chain.
	Manual  *oracle.ManualFeed
	Archive EventStore
	Hub     *Hub
	Native  NativeBalances
	Tokens  TokenLedger
	Pauses  Pauser
}

// Server exposes the auction registry over HTTP.
type Server struct {
	cfg            Config
	logger         *slog.Logger
	auctions       *auction.Registry
	oracle         Oracle
	manual         *oracle.ManualFeed
	archive        EventStore
	hub            *Hub
	native         NativeBalances
	tokens         TokenLedger
	pauses         Pauser
	auth           *Authenticator
	limiter        *RateLimiter
	obs            *Observability
	originPatterns []string
	router         http.Handler
}

// New constructs the server and its router.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Auctions == nil {
		return nil, fmt.Errorf("auctiond: auction registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	authenticator, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("auctiond: auth: %w", err)
	}
	origins := cfg.OriginPatterns
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		auctions:       deps.Auctions,
		oracle:         deps.Oracle,
		manual:         deps.Manual,
		archive:        deps.Archive,
		hub:            deps.Hub,
		native:         deps.Native,
		tokens:         deps.Tokens,
		pauses:         deps.Pauses,
		auth:           authenticator,
		limiter:        NewRateLimiter(cfg.RateLimits),
		obs:            NewObservability(logger),
		originPatterns: origins,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.obs.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware())

		api.With(s.limiter.Middleware("read")).Group(func(read chi.Router) {
			read.Get("/auctions/{id}", s.handleGetAuction)
			read.Get("/auctions/{id}/refunds/{account}", s.handleGetRefund)
			read.Get("/accounts/{account}/balances", s.handleGetBalance)
			read.Get("/oracle/price", s.handleGetPrice)
			read.Get("/oracle/health/{feed}", s.handleFeedHealth)
			read.Get("/events", s.handleListEvents)
			read.Get("/events/ws", s.handleEventsWS)
		})

		api.With(s.limiter.Middleware("write")).Group(func(write chi.Router) {
			write.Post("/auctions", s.handleCreateAuction)
			write.Post("/auctions/{id}/bids", s.handlePlaceBid)
			write.Post("/auctions/{id}/close", s.handleClose)
			write.Post("/auctions/{id}/cancel", s.handleCancel)
			write.Post("/auctions/{id}/claims/seller", s.handleSellerClaim)
			write.Post("/auctions/{id}/claims/winner", s.handleWinnerClaim)
			write.Post("/auctions/{id}/claims/reclaim", s.handleReclaimBid)
			write.Post("/auctions/{id}/refunds/withdraw", s.handleWithdrawRefund)
			write.Post("/tokens/{token}/approvals", s.handleApprove)
		})

		api.With(s.auth.Admin()).Group(func(admin chi.Router) {
			admin.Post("/auctions/{id}/emergency-recover", s.handleEmergencyRecover)
			admin.Post("/oracle/observations", s.handlePostObservation)
			admin.Post("/admin/pause", s.handlePause)
		})
	})

	return otelhttp.NewHandler(r, "auctiond")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	next, err := s.auctions.NextID(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "auctions": next - 1})
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. ln is closed on
// return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = limitListener(ln, s.cfg.MaxConnections)
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("auctiond: http server listening",
		slog.String("addr", ln.Addr().String()),
		slog.Int("max_connections", s.cfg.MaxConnections))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func limitListener(ln net.Listener, max int) net.Listener {
	if max <= 0 {
		return ln
	}
	return netutil.LimitListener(ln, max)
}
