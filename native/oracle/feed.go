package oracle

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrInvalidFeed is returned when no feed is configured for a unit or the
	// feed reports a non-positive price.
	ErrInvalidFeed = errors.New("oracle: invalid feed")
	// ErrStaleFeed is returned for incomplete, stale or future-dated rounds.
	ErrStaleFeed = errors.New("oracle: stale feed")
	// ErrUnknownFeed is returned by feeds that do not recognise a reference.
	ErrUnknownFeed = errors.New("oracle: unknown feed reference")
)

// Observation is the latest round reported by a price feed.
type Observation struct {
	RoundID         *big.Int
	Answer          *big.Int
	UpdatedAt       int64
	AnsweredInRound *big.Int
}

// Clone returns a deep copy of the observation.
func (o Observation) Clone() Observation {
	return Observation{
		RoundID:         cloneBig(o.RoundID),
		Answer:          cloneBig(o.Answer),
		UpdatedAt:       o.UpdatedAt,
		AnsweredInRound: cloneBig(o.AnsweredInRound),
	}
}

// Feed resolves the latest observation for a feed reference.
type Feed interface {
	LatestObservation(ctx context.Context, feedRef string) (Observation, error)
}

// Quote is a validated price for a payment unit.
type Quote struct {
	Price     *big.Int
	Timestamp int64
	// Round is the round the answer was computed in.
	Round *big.Int
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	return Quote{Price: cloneBig(q.Price), Timestamp: q.Timestamp, Round: cloneBig(q.Round)}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
