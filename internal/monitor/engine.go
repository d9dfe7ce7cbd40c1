// Package monitor holds the alert engine: conditions, the previous snapshot,
// the alert log and the evaluation pass that ties them together.
package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"yield-alerts/internal/fetcher"
)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	AlertLimit      int
	DefaultCooldown time.Duration
	// PerEntity emits one alert per matching entity instead of stopping at
	// the first. Cooldown stays keyed to the condition.
	PerEntity bool
	Now       func() time.Time
	NewID     func() string
}

// Engine is one independent alert engine instance.
type Engine struct {
	conditions *ConditionStore
	snapshots  *SnapshotStore
	alerts     *AlertLog
	evaluator  *Evaluator
	now        func() time.Time

	mu       sync.RWMutex
	passes   int
	lastPass time.Time
	tvlDelta map[string]float64
}

// NewEngine builds an empty engine.
func NewEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = DefaultCooldown
	}

	conditions := newConditionStore(opts.DefaultCooldown, opts.Now, opts.NewID)
	snapshots := &SnapshotStore{}
	return &Engine{
		conditions: conditions,
		snapshots:  snapshots,
		alerts:     NewAlertLog(opts.AlertLimit),
		evaluator: &Evaluator{
			conditions: conditions,
			snapshots:  snapshots,
			perEntity:  opts.PerEntity,
			now:        opts.Now,
			newID:      opts.NewID,
		},
		now:      opts.Now,
		tvlDelta: map[string]float64{},
	}
}

// Conditions exposes the condition store.
func (e *Engine) Conditions() *ConditionStore { return e.conditions }

// Alerts exposes the alert log.
func (e *Engine) Alerts() *AlertLog { return e.alerts }

func (e *Engine) CreateCondition(params ConditionParams) (Condition, error) {
	return e.conditions.Create(params)
}

func (e *Engine) UpdateCondition(id string, patch ConditionPatch) (Condition, error) {
	return e.conditions.Update(id, patch)
}

func (e *Engine) DeleteCondition(id string) bool {
	return e.conditions.Delete(id)
}

func (e *Engine) GetCondition(id string) (Condition, bool) {
	return e.conditions.Get(id)
}

func (e *Engine) ListConditions() []Condition {
	return e.conditions.List()
}

// ApplyPreset creates every condition of the named preset.
func (e *Engine) ApplyPreset(name string) ([]Condition, error) {
	preset, err := LookupPreset(name)
	if err != nil {
		return nil, err
	}
	created := make([]Condition, 0, len(preset.Conditions))
	for _, params := range preset.Conditions {
		c, err := e.conditions.Create(params)
		if err != nil {
			return created, err
		}
		created = append(created, c)
	}
	return created, nil
}

// Acknowledge marks one alert acknowledged; repeated calls succeed.
func (e *Engine) Acknowledge(id string) (Alert, error) {
	return e.alerts.Acknowledge(id, e.now())
}

// AcknowledgeAll acknowledges every open alert.
func (e *Engine) AcknowledgeAll() int {
	return e.alerts.AcknowledgeAll(e.now())
}

func (e *Engine) History(f HistoryFilter) []Alert {
	return e.alerts.History(f)
}

func (e *Engine) RecentAlerts(n int) []Alert {
	return e.alerts.Recent(n)
}

// MarkDelivered records that channel received the alert.
func (e *Engine) MarkDelivered(alertID, channel string) error {
	return e.alerts.MarkDelivered(alertID, channel)
}

// Evaluate runs one pass over readings and records the resulting alerts.
func (e *Engine) Evaluate(readings []fetcher.Reading) PassResult {
	result := e.evaluator.Evaluate(readings)
	e.alerts.Append(result.Alerts...)

	e.mu.Lock()
	e.passes++
	e.lastPass = result.Timestamp
	e.tvlDelta = result.TVLDelta
	e.mu.Unlock()
	return result
}

// Snapshot returns the snapshot the next pass will diff against.
func (e *Engine) Snapshot() Snapshot {
	return e.snapshots.Previous()
}

// Restore loads persisted state. Missing pieces are passed as nil or zero.
func (e *Engine) Restore(conditions []Condition, alerts []Alert, snap Snapshot) {
	e.conditions.load(conditions)
	e.alerts.load(alerts)
	if snap.Entries != nil {
		e.snapshots.Replace(snap)
	}
}

// OnConditionsChanged registers a hook called after every condition mutation.
func (e *Engine) OnConditionsChanged(fn func([]Condition)) {
	e.conditions.setOnChange(fn)
}

// OnAlertsChanged registers a hook called after the alert log changes.
func (e *Engine) OnAlertsChanged(fn func([]Alert)) {
	e.alerts.setOnChange(fn)
}

// Health aggregates the latest snapshot per protocol.
func (e *Engine) Health() []ProtocolHealth {
	e.mu.RLock()
	delta := e.tvlDelta
	e.mu.RUnlock()
	recent := e.alerts.Since(e.now().Add(-time.Hour))
	return buildHealth(e.snapshots.Previous(), recent, delta)
}

// Stats summarises conditions and alerts. It never fails on empty state.
func (e *Engine) Stats() Stats {
	now := e.now()
	conditions := e.conditions.List()
	all := e.alerts.All()

	s := Stats{
		Conditions:        len(conditions),
		TotalAlerts:       len(all),
		BySeverity:        map[Severity]int{SeverityInfo: 0, SeverityWarning: 0, SeverityCritical: 0},
		ByType:            map[string]int{},
		MonitoredEntities: e.snapshots.Previous().Len(),
	}
	for _, c := range conditions {
		if c.Enabled {
			s.EnabledConditions++
		}
	}
	hourAgo, dayAgo := now.Add(-time.Hour), now.Add(-24*time.Hour)
	for _, a := range all {
		if !a.Acknowledged {
			s.Unacknowledged++
		}
		if !a.Timestamp.Before(hourAgo) {
			s.AlertsLastHour++
		}
		if !a.Timestamp.Before(dayAgo) {
			s.AlertsLast24h++
		}
		s.BySeverity[a.Severity]++
		s.ByType[string(a.Type)]++
	}

	e.mu.RLock()
	s.Passes = e.passes
	if !e.lastPass.IsZero() {
		t := e.lastPass
		s.LastPass = &t
	}
	e.mu.RUnlock()
	return s
}
