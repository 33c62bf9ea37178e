package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"nhooyr.io/websocket"

	"github.com/xibeiwind/solidity-task/core/events"
)

const (
	defaultHistoryLimit = 1024
	wsWriteTimeout      = 10 * time.Second
)

// Notification is one event as delivered to stream subscribers.
type Notification struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

func (n Notification) clone() Notification {
	out := n
	out.Attributes = make(map[string]string, len(n.Attributes))
	for k, v := range n.Attributes {
		out.Attributes[k] = v
	}
	return out
}

var (
	streamMetricsOnce sync.Once
	sharedStreamStats *streamMetrics
)

type streamMetrics struct {
	dropped metric.Int64Counter
}

func hubMetrics() *streamMetrics {
	streamMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("auctiond/stream")
		counter, err := meter.Int64Counter("auctiond.stream.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("auctiond/stream")
			counter, _ = fallback.Int64Counter("auctiond.stream.dropped")
		}
		sharedStreamStats = &streamMetrics{dropped: counter}
	})
	return sharedStreamStats
}

func (m *streamMetrics) recordDropped(eventType string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("type", eventType)))
}

// Hub fans committed events out to websocket subscribers. A bounded history
// lets reconnecting clients resume from a cursor. Slow subscribers miss
// notifications instead of blocking the emitter.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Notification
	history []Notification
	limit   int
	buffer  int
	now     func() time.Time
}

// NewHub constructs a hub. buffer sizes each subscriber channel.
func NewHub(buffer, historyLimit int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Hub{
		subs:   make(map[uint64]chan Notification),
		limit:  historyLimit,
		buffer: buffer,
		now:    time.Now,
	}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	body := payload.Event().Clone()
	n := Notification{
		Type:       body.Type,
		Attributes: body.Attributes,
		Timestamp:  h.now().Unix(),
	}

	h.mu.Lock()
	h.seq++
	n.Sequence = h.seq
	n.Cursor = strconv.FormatUint(n.Sequence, 10)
	h.history = append(h.history, n)
	if len(h.history) > h.limit {
		trimmed := make([]Notification, h.limit)
		copy(trimmed, h.history[len(h.history)-h.limit:])
		h.history = trimmed
	}
	// Sends stay under the lock so cancel cannot close a channel mid-send.
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- n.clone():
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	hubMetrics().recordDropped(n.Type, dropped)
}

// Subscribe registers a subscriber and returns the backlog after cursor. The
// returned cancel func is idempotent and also runs when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan Notification, func(), []Notification) {
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}
	updates := make(chan Notification, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := make([]Notification, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > since {
			backlog = append(backlog, entry.clone())
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("auction"))
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads are only needed to observe the close handshake.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor, auctionFilter string) error {
	updates, cancel, backlog := s.hub.Subscribe(ctx, cursor)
	defer cancel()
	for _, n := range backlog {
		if !matchesAuction(n, auctionFilter) {
			continue
		}
		if err := writeNotification(ctx, conn, n); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-updates:
			if !ok {
				return nil
			}
			if !matchesAuction(n, auctionFilter) {
				continue
			}
			if err := writeNotification(ctx, conn, n); err != nil {
				return err
			}
		}
	}
}

func matchesAuction(n Notification, filter string) bool {
	return filter == "" || n.Attributes["auctionId"] == filter
}

func writeNotification(ctx context.Context, conn *websocket.Conn, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
