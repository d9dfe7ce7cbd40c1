package monitor

import (
	"sync"
	"time"

	"yield-alerts/internal/fetcher"
)

// Change describes an entity present in both snapshots whose values moved.
type Change struct {
	Protocol         string   `json:"protocol"`
	Asset            string   `json:"asset"`
	APY              float64  `json:"apy"`
	PreviousAPY      float64  `json:"previousApy"`
	APYChangePercent *float64 `json:"apyChangePercent,omitempty"`
	TVL              float64  `json:"tvl"`
	PreviousTVL      float64  `json:"previousTvl"`
	TVLChangePercent *float64 `json:"tvlChangePercent,omitempty"`
	RiskScore        *float64 `json:"riskScore,omitempty"`
}

// PassResult is everything one evaluation pass produced.
type PassResult struct {
	Timestamp time.Time
	Alerts    []Alert
	Changes   []Change
	Snapshot  Snapshot
	// TVLDelta is the per-protocol TVL percent change against the previous
	// pass, for protocols seen in both.
	TVLDelta map[string]float64
}

// Evaluator applies conditions to fresh readings against the previous
// snapshot.
type Evaluator struct {
	mu         sync.Mutex
	conditions *ConditionStore
	snapshots  *SnapshotStore
	perEntity  bool
	now        func() time.Time
	newID      func() string
}

// Evaluate runs one pass. Passes are serialized; the previous snapshot is
// replaced only after every condition has been checked.
func (e *Evaluator) Evaluate(readings []fetcher.Reading) PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	prev := e.snapshots.Previous()
	current := orderedObservations(readings)

	result := PassResult{
		Timestamp: now,
		Alerts:    make([]Alert, 0),
		Snapshot:  NewSnapshot(now, readings),
	}

	for _, cond := range e.conditions.List() {
		if !cond.Eligible(now) {
			continue
		}
		result.Alerts = append(result.Alerts, e.evaluateCondition(cond, current, prev, now)...)
	}

	result.Changes = diff(current, prev)
	result.TVLDelta = tvlDelta(result.Snapshot, prev)

	e.snapshots.Replace(result.Snapshot)
	return result
}

func (e *Evaluator) evaluateCondition(cond Condition, current []Observation, prev Snapshot, now time.Time) []Alert {
	var alerts []Alert
	marked := false
	for _, obs := range current {
		if !cond.Matches(obs.Protocol, obs.Asset) {
			continue
		}
		var before *Observation
		if p, ok := prev.Lookup(fetcher.Key{Protocol: obs.Protocol, Asset: obs.Asset}); ok {
			before = &p
		}
		m, ok := cond.Rule.check(obs, before)
		if !ok {
			continue
		}
		if !marked {
			// A concurrent update may have disabled the condition since List.
			if _, ok := e.conditions.markTriggered(cond.ID, now); !ok {
				return nil
			}
			marked = true
		}
		alerts = append(alerts, newAlert(e.newID(), cond, obs, m, now))
		if !e.perEntity {
			break
		}
	}
	return alerts
}

// orderedObservations dedupes readings by key, keeping the first position and
// the last value.
func orderedObservations(readings []fetcher.Reading) []Observation {
	index := make(map[string]int, len(readings))
	out := make([]Observation, 0, len(readings))
	for _, r := range readings {
		key := r.Key().String()
		if i, ok := index[key]; ok {
			out[i] = observationOf(r)
			continue
		}
		index[key] = len(out)
		out = append(out, observationOf(r))
	}
	return out
}

func diff(current []Observation, prev Snapshot) []Change {
	changes := make([]Change, 0)
	for _, obs := range current {
		before, ok := prev.Lookup(fetcher.Key{Protocol: obs.Protocol, Asset: obs.Asset})
		if !ok || (before.APY == obs.APY && before.TVL == obs.TVL) {
			continue
		}
		c := Change{
			Protocol:    obs.Protocol,
			Asset:       obs.Asset,
			APY:         obs.APY,
			PreviousAPY: before.APY,
			TVL:         obs.TVL,
			PreviousTVL: before.TVL,
			RiskScore:   obs.RiskScore,
		}
		if pct, ok := percentChange(before.APY, obs.APY); ok {
			c.APYChangePercent = ptr(pct)
		}
		if pct, ok := percentChange(before.TVL, obs.TVL); ok {
			c.TVLChangePercent = ptr(pct)
		}
		changes = append(changes, c)
	}
	return changes
}

func tvlDelta(current, prev Snapshot) map[string]float64 {
	now := tvlByProtocol(current)
	before := tvlByProtocol(prev)
	out := make(map[string]float64, len(now))
	for protocol, tvl := range now {
		if pct, ok := percentChange(before[protocol], tvl); ok {
			out[protocol] = pct
		}
	}
	return out
}

func tvlByProtocol(s Snapshot) map[string]float64 {
	out := make(map[string]float64)
	for _, obs := range s.Entries {
		out[protocolKey(obs.Protocol)] += obs.TVL
	}
	return out
}
