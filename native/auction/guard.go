package auction

import (
	"context"

	"github.com/xibeiwind/solidity-task/core/state"
)

type inFlightKey struct{}

type inFlight struct {
	state  *state.Manager
	id     uint64
	parent *inFlight
}

// markInFlight tags ctx as running inside an operation on e's auction.
// Capabilities receive the tagged context, so calls they make back into the
// same auction can be told apart from independent callers. The marker names
// the record, not the instance: a second Engine loaded for the same id is
// still recognised.
func markInFlight(ctx context.Context, e *Engine) context.Context {
	parent, _ := ctx.Value(inFlightKey{}).(*inFlight)
	return context.WithValue(ctx, inFlightKey{}, &inFlight{state: e.state, id: e.id, parent: parent})
}

func isInFlight(ctx context.Context, e *Engine) bool {
	if ctx == nil {
		return false
	}
	cur, _ := ctx.Value(inFlightKey{}).(*inFlight)
	for ; cur != nil; cur = cur.parent {
		if cur.state == e.state && cur.id == e.id {
			return true
		}
	}
	return false
}
