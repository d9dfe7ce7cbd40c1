package monitor

import (
	"sync"
	"time"

	"yield-alerts/internal/fetcher"
)

// Observation is the value remembered for one entity.
type Observation struct {
	Protocol  string   `json:"protocol"`
	Asset     string   `json:"asset"`
	APY       float64  `json:"apy"`
	TVL       float64  `json:"tvl"`
	RiskScore *float64 `json:"riskScore,omitempty"`
}

// Snapshot is the full set of observations taken in one pass.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Entries   map[string]Observation `json:"entries"`
}

// NewSnapshot builds a snapshot from readings. Duplicate keys keep the last
// reading.
func NewSnapshot(at time.Time, readings []fetcher.Reading) Snapshot {
	snap := Snapshot{Timestamp: at, Entries: make(map[string]Observation, len(readings))}
	for _, r := range readings {
		snap.Entries[r.Key().String()] = observationOf(r)
	}
	return snap
}

func observationOf(r fetcher.Reading) Observation {
	obs := Observation{Protocol: r.Protocol, Asset: r.Asset, APY: r.APY, TVL: r.TVL}
	if r.RiskScore != nil {
		obs.RiskScore = ptr(*r.RiskScore)
	}
	return obs
}

// Lookup returns the observation stored under key.
func (s Snapshot) Lookup(key fetcher.Key) (Observation, bool) {
	obs, ok := s.Entries[key.String()]
	return obs, ok
}

// Len reports the number of entities.
func (s Snapshot) Len() int {
	return len(s.Entries)
}

// IsZero reports whether no pass has been recorded.
func (s Snapshot) IsZero() bool {
	return s.Timestamp.IsZero() && len(s.Entries) == 0
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Timestamp: s.Timestamp, Entries: make(map[string]Observation, len(s.Entries))}
	for k, v := range s.Entries {
		if v.RiskScore != nil {
			v.RiskScore = ptr(*v.RiskScore)
		}
		out.Entries[k] = v
	}
	return out
}

// SnapshotStore keeps exactly one snapshot: the previous pass.
type SnapshotStore struct {
	mu   sync.RWMutex
	prev Snapshot
}

// Previous returns a copy of the retained snapshot.
func (s *SnapshotStore) Previous() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prev.clone()
}

// Replace swaps in a new snapshot wholesale.
func (s *SnapshotStore) Replace(snap Snapshot) {
	snap = snap.clone()
	s.mu.Lock()
	s.prev = snap
	s.mu.Unlock()
}
