package oracle

import (
	"strconv"

	"github.com/xibeiwind/solidity-task/core/types"
)

const EventTypeFeedUpdated = "oracle.feed_updated"

type oracleEvent struct {
	evt *types.Event
}

func (e oracleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e oracleEvent) Event() *types.Event { return e.evt }

// NewFeedUpdatedEvent returns the payload emitted when the quote cache for a
// unit is replaced.
func NewFeedUpdatedEvent(unit types.PaymentUnit, feedRef string, q Quote) *types.Event {
	attrs := map[string]string{
		"unit":      unit.Key(),
		"feed":      feedRef,
		"updatedAt": strconv.FormatInt(q.Timestamp, 10),
		"price":     "0",
		"round":     "0",
	}
	if q.Price != nil {
		attrs["price"] = q.Price.String()
	}
	if q.Round != nil {
		attrs["round"] = q.Round.String()
	}
	return &types.Event{Type: EventTypeFeedUpdated, Attributes: attrs}
}
