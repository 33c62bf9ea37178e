package assets

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
)

var (
	// ErrNotOwner is returned when a transfer names a sender that does not own
	// the asset.
	ErrNotOwner = errors.New("assets: sender does not own asset")
	// ErrAssetExists is returned when minting an id that is already owned.
	ErrAssetExists = errors.New("assets: asset already exists")
	// ErrAssetNotFound is returned for ids that were never minted.
	ErrAssetNotFound = errors.New("assets: asset not found")

	errNilState = errors.New("assets: state not configured")
)

// Registry is the in-process non-fungible asset registry. Each (collection,
// id) pair has exactly one owner.
type Registry struct {
	state   *state.Manager
	emitter events.Emitter
}

// NewRegistry returns a registry backed by mgr.
func NewRegistry(mgr *state.Manager) *Registry {
	return &Registry{state: mgr, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the emitter receiving ownership changes.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func ownerKey(collection [20]byte, id *big.Int) []byte {
	key := append([]byte("assets/owner/"), collection[:]...)
	key = append(key, '/')
	return append(key, id.Bytes()...)
}

func validID(id *big.Int) error {
	if id == nil || id.Sign() < 0 {
		return fmt.Errorf("assets: invalid asset id")
	}
	return nil
}

// OwnerOf returns the current owner of the asset.
func (r *Registry) OwnerOf(ctx context.Context, collection [20]byte, id *big.Int) ([20]byte, error) {
	if r == nil || r.state == nil {
		return [20]byte{}, errNilState
	}
	if err := validID(id); err != nil {
		return [20]byte{}, err
	}
	var owner [20]byte
	ok, err := r.state.Reader(ctx).KVGet(ownerKey(collection, id), &owner)
	if err != nil {
		return [20]byte{}, fmt.Errorf("assets: load owner: %w", err)
	}
	if !ok {
		return [20]byte{}, ErrAssetNotFound
	}
	return owner, nil
}

// Mint creates the asset and assigns it to owner.
func (r *Registry) Mint(ctx context.Context, collection [20]byte, id *big.Int, owner [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if err := validID(id); err != nil {
		return err
	}
	j, jctx := r.state.Begin(ctx)
	defer j.Discard()
	kv := r.state.Reader(jctx)
	if ok, err := kv.KVGet(ownerKey(collection, id), nil); err != nil {
		return err
	} else if ok {
		return ErrAssetExists
	}
	if err := kv.KVPut(ownerKey(collection, id), owner); err != nil {
		return err
	}
	evt := events.AssetTransfer{Collection: collection, AssetID: new(big.Int).Set(id), To: owner}
	emitter := r.emitter
	j.OnCommit(func() { emitter.Emit(evt) })
	return j.Commit()
}

// TransferAsset moves the asset from one owner to another. It fails without
// effect when from is not the current owner.
func (r *Registry) TransferAsset(ctx context.Context, collection, from, to [20]byte, id *big.Int) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	j, jctx := r.state.Begin(ctx)
	defer j.Discard()
	owner, err := r.OwnerOf(jctx, collection, id)
	if err != nil {
		return err
	}
	if owner != from {
		return ErrNotOwner
	}
	if err := r.state.Reader(jctx).KVPut(ownerKey(collection, id), to); err != nil {
		return err
	}
	evt := events.AssetTransfer{Collection: collection, AssetID: new(big.Int).Set(id), From: from, To: to}
	emitter := r.emitter
	j.OnCommit(func() { emitter.Emit(evt) })
	return j.Commit()
}
