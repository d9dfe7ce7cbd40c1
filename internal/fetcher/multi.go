package fetcher

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Multi merges readings from several sources. A failing source contributes
// its last good readings so its entities stay in the snapshot unchanged; the
// merged fetch fails only when every source fails.
type Multi struct {
	sources map[string]Source
	order   []string
	logger  zerolog.Logger

	mu   sync.Mutex
	last map[string][]Reading
}

// NewMulti constructs an empty merged source.
func NewMulti(logger zerolog.Logger) *Multi {
	return &Multi{
		sources: make(map[string]Source),
		last:    make(map[string][]Reading),
		logger:  logger.With().Str("component", "multi_source").Logger(),
	}
}

// Add registers a named source.
func (m *Multi) Add(name string, src Source) {
	if _, exists := m.sources[name]; !exists {
		m.order = append(m.order, name)
	}
	m.sources[name] = src
}

// Len reports the number of registered sources.
func (m *Multi) Len() int {
	return len(m.order)
}

// FetchReadings queries all sources concurrently. Later sources win on
// duplicate entity keys.
func (m *Multi) FetchReadings(ctx context.Context) ([]Reading, error) {
	if len(m.order) == 0 {
		return nil, &UpstreamFetchError{Source: "multi", Err: errors.New("no sources configured")}
	}

	results := make([][]Reading, len(m.order))
	errs := make([]error, len(m.order))

	var wg sync.WaitGroup
	for i, name := range m.order {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			results[i], errs[i] = src.FetchReadings(ctx)
		}(i, m.sources[name])
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make([]Reading, 0)
	index := make(map[string]int)
	failed := 0
	for i, name := range m.order {
		readings := results[i]
		if errs[i] != nil {
			failed++
			readings = m.last[name]
			m.logger.Warn().Err(errs[i]).Str("source", name).Int("reused", len(readings)).Msg("source fetch failed; reusing last readings")
		} else {
			m.last[name] = append([]Reading(nil), readings...)
		}
		for _, r := range readings {
			key := r.Key().String()
			if pos, ok := index[key]; ok {
				merged[pos] = r
				continue
			}
			index[key] = len(merged)
			merged = append(merged, r)
		}
	}

	if failed == len(m.order) {
		return nil, &UpstreamFetchError{Source: "multi", Err: errors.Join(errs...)}
	}
	return merged, nil
}

// Static returns a fixed set of readings. Used by simulation and replay.
type Static struct {
	mu       sync.Mutex
	readings []Reading
}

// NewStatic wraps readings in a Source.
func NewStatic(readings []Reading) *Static {
	return &Static{readings: readings}
}

// Set replaces the readings returned by subsequent fetches.
func (s *Static) Set(readings []Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = readings
}

// FetchReadings returns a copy of the configured readings.
func (s *Static) FetchReadings(ctx context.Context) ([]Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reading, len(s.readings))
	copy(out, s.readings)
	return out, nil
}

var (
	_ Source = (*Multi)(nil)
	_ Source = (*Static)(nil)
)
