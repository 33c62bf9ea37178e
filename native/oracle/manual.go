package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ManualFeed serves observations pushed by an operator. It backs local
// deployments and tests.
type ManualFeed struct {
	mu     sync.RWMutex
	rounds map[string]Observation
	errs   map[string]error
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{rounds: make(map[string]Observation), errs: make(map[string]error)}
}

// NormalizeRef folds a feed reference to the form feeds are keyed by:
// trimmed, lower-cased and NFKC-normalised, so look-alike spellings of one
// name resolve to the same feed.
func NormalizeRef(ref string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(ref)))
}

// Set records the latest observation for ref.
func (m *ManualFeed) Set(ref string, obs Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeRef(ref)
	m.rounds[key] = obs.Clone()
	delete(m.errs, key)
}

// Fail makes subsequent reads of ref return err.
func (m *ManualFeed) Fail(ref string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[NormalizeRef(ref)] = err
}

// LatestObservation implements Feed.
func (m *ManualFeed) LatestObservation(_ context.Context, ref string) (Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := NormalizeRef(ref)
	if err, ok := m.errs[key]; ok {
		return Observation{}, err
	}
	obs, ok := m.rounds[key]
	if !ok {
		return Observation{}, fmt.Errorf("%w: %s", ErrUnknownFeed, ref)
	}
	return obs.Clone(), nil
}
