package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
	nativecommon "github.com/xibeiwind/solidity-task/native/common"
)

// DefaultEngineCacheSize bounds how many engines a Registry keeps loaded.
const DefaultEngineCacheSize = 256

var nextIDKey = []byte("auction/next-id")

// Registry hosts many auctions over one state manager. Ids are issued from a
// persisted counter; engines are loaded on demand and kept in an LRU cache.
// Every engine operation takes the manager's journal lock, so an evicted
// engine that is still referenced never races the fresh one.
type Registry struct {
	state   *state.Manager
	deps    Dependencies
	emitter events.Emitter
	nowFn   func() int64
	logger  *slog.Logger
	pauses  nativecommon.PauseView

	mu    sync.Mutex
	cache *lru.Cache[uint64, *Engine]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEmitter sets the emitter shared by every engine.
func WithEmitter(emitter events.Emitter) RegistryOption {
	return func(r *Registry) { r.emitter = emitter }
}

// WithNowFunc sets the clock shared by every engine.
func WithNowFunc(now func() int64) RegistryOption {
	return func(r *Registry) { r.nowFn = now }
}

// WithLogger sets the logger shared by every engine.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithPauseView sets the pause flags consulted by every engine.
func WithPauseView(p nativecommon.PauseView) RegistryOption {
	return func(r *Registry) { r.pauses = p }
}

// NewRegistry constructs a registry. cacheSize <= 0 selects
// DefaultEngineCacheSize.
func NewRegistry(mgr *state.Manager, deps Dependencies, cacheSize int, opts ...RegistryOption) (*Registry, error) {
	if mgr == nil {
		return nil, errNilState
	}
	if deps.Assets == nil {
		return nil, errNilAsset
	}
	if cacheSize <= 0 {
		cacheSize = DefaultEngineCacheSize
	}
	cache, err := lru.New[uint64, *Engine](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("auction registry: engine cache: %w", err)
	}
	r := &Registry{state: mgr, deps: deps, cache: cache, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *Registry) newEngine(id uint64) (*Engine, error) {
	engine, err := NewEngine(id, r.state, r.deps)
	if err != nil {
		return nil, err
	}
	engine.SetEmitter(r.emitter)
	engine.SetNowFunc(r.nowFn)
	engine.SetLogger(r.logger)
	engine.SetPauseView(r.pauses)
	return engine, nil
}

func (r *Registry) engine(id uint64) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if engine, ok := r.cache.Get(id); ok {
		return engine, nil
	}
	engine, err := r.newEngine(id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, engine)
	return engine, nil
}

// NextID returns the id the next Create call will issue.
func (r *Registry) NextID(ctx context.Context) (uint64, error) {
	var next uint64
	ok, err := r.state.Reader(ctx).KVGet(nextIDKey, &next)
	if err != nil {
		return 0, fmt.Errorf("auction registry: load counter: %w", err)
	}
	if !ok {
		return 1, nil
	}
	return next, nil
}

// Create issues a new id and opens the auction in one journal. A failed Open
// does not consume the id.
func (r *Registry) Create(ctx context.Context, seller [20]byte, params OpenParams) (uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	j, jctx := r.state.Begin(ctx)
	defer j.Discard()
	id, err := r.NextID(jctx)
	if err != nil {
		return 0, err
	}
	engine, err := r.engine(id)
	if err != nil {
		return 0, err
	}
	if err := engine.Open(jctx, seller, params); err != nil {
		return 0, err
	}
	if err := r.state.Reader(jctx).KVPut(nextIDKey, id+1); err != nil {
		return 0, fmt.Errorf("auction registry: store counter: %w", err)
	}
	if err := j.Commit(); err != nil {
		return 0, err
	}
	r.logger.Info("auction: created", slog.Uint64("auction", id), slog.String("seller", hexAddr(seller)))
	return id, nil
}

// Get returns the engine of an issued auction.
func (r *Registry) Get(ctx context.Context, id uint64) (*Engine, error) {
	next, err := r.NextID(ctx)
	if err != nil {
		return nil, err
	}
	if id == 0 || id >= next {
		return nil, &Error{Op: "lookup", Kind: ErrUnknownAuction, Reason: fmt.Sprintf("auction %d", id)}
	}
	return r.engine(id)
}

// Cached reports how many engines are currently loaded.
func (r *Registry) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
