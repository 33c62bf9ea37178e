package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/native/assets"
	"github.com/xibeiwind/solidity-task/native/bank"
	"github.com/xibeiwind/solidity-task/services/auctiond/config"
)

var genesisMarkerKey = []byte("auctiond/genesis")

type ledgers struct {
	native *bank.Native
	tokens *bank.Tokens
	assets *assets.Registry
}

// seedGenesis credits the configured balances and mints the configured assets
// once per data directory, all or nothing. It reports whether anything was
// written.
func seedGenesis(ctx context.Context, mgr *state.Manager, l ledgers, g config.Genesis, logger *slog.Logger) (bool, error) {
	j, ctx := mgr.Begin(ctx)
	defer j.Discard()

	var done bool
	ok, err := j.KVGet(genesisMarkerKey, &done)
	if err != nil {
		return false, fmt.Errorf("genesis: load marker: %w", err)
	}
	if ok && done {
		return false, nil
	}

	for i, bal := range g.Native {
		amount, err := config.ParseAmount(bal.Amount)
		if err != nil {
			return false, fmt.Errorf("genesis.native[%d]: %w", i, err)
		}
		if err := l.native.Mint(ctx, common.HexToAddress(bal.Account), amount); err != nil {
			return false, fmt.Errorf("genesis.native[%d]: %w", i, err)
		}
	}
	for i, bal := range g.Tokens {
		amount, err := config.ParseAmount(bal.Amount)
		if err != nil {
			return false, fmt.Errorf("genesis.tokens[%d]: %w", i, err)
		}
		if err := l.tokens.Mint(ctx, common.HexToAddress(bal.Token), common.HexToAddress(bal.Account), amount); err != nil {
			return false, fmt.Errorf("genesis.tokens[%d]: %w", i, err)
		}
	}
	for i, asset := range g.Assets {
		id, err := config.ParseAmount(asset.ID)
		if err != nil {
			return false, fmt.Errorf("genesis.assets[%d]: %w", i, err)
		}
		if err := l.assets.Mint(ctx, common.HexToAddress(asset.Collection), id, common.HexToAddress(asset.Owner)); err != nil {
			return false, fmt.Errorf("genesis.assets[%d]: %w", i, err)
		}
	}

	if err := j.KVPut(genesisMarkerKey, true); err != nil {
		return false, fmt.Errorf("genesis: store marker: %w", err)
	}
	if err := j.Commit(); err != nil {
		return false, fmt.Errorf("genesis: commit: %w", err)
	}
	logger.Info("auctiond: genesis applied",
		slog.Int("native", len(g.Native)),
		slog.Int("tokens", len(g.Tokens)),
		slog.Int("assets", len(g.Assets)))
	return true, nil
}

// grantAdmins adds each configured address to the auction admin role.
func grantAdmins(mgr *state.Manager, role string, admins []string) error {
	for _, raw := range admins {
		addr := common.HexToAddress(raw)
		if mgr.HasRole(role, addr.Bytes()) {
			continue
		}
		if err := mgr.SetRole(role, addr.Bytes()); err != nil {
			return fmt.Errorf("grant %s to %s: %w", role, addr.Hex(), err)
		}
	}
	return nil
}
