package storage

import (
	"context"
	"errors"
	"fmt"

	"yield-alerts/internal/monitor"
)

// Resource names one independently replaced piece of engine state.
type Resource string

const (
	ResourceConditions Resource = "conditions"
	ResourceAlerts     Resource = "alerts"
	ResourceSnapshot   Resource = "snapshot"
)

// MaxAlerts is how many alerts are kept on disk; older ones are dropped.
const MaxAlerts = 1000

// StateStore persists the condition list, recent alerts and the last
// snapshot. Each Save replaces its resource atomically. Loading a resource
// that was never saved returns an empty value, not an error.
type StateStore interface {
	LoadConditions(ctx context.Context) ([]monitor.Condition, error)
	SaveConditions(ctx context.Context, conditions []monitor.Condition) error
	LoadAlerts(ctx context.Context) ([]monitor.Alert, error)
	SaveAlerts(ctx context.Context, alerts []monitor.Alert) error
	LoadSnapshot(ctx context.Context) (monitor.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap monitor.Snapshot) error
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// PersistenceError reports a failed read or write of one resource.
type PersistenceError struct {
	Resource Resource
	Op       string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ErrNotConfigured indicates the storage backend was not initialised.
var ErrNotConfigured = errors.New("storage: not configured")

// State is everything a store holds, loaded in one go at startup.
type State struct {
	Conditions []monitor.Condition
	Alerts     []monitor.Alert
	Snapshot   monitor.Snapshot
}

// LoadState reads all three resources. A failing resource is reported but
// the others are still returned.
func LoadState(ctx context.Context, store StateStore) (State, error) {
	var (
		st   State
		errs []error
		err  error
	)
	if st.Conditions, err = store.LoadConditions(ctx); err != nil {
		errs = append(errs, err)
	}
	if st.Alerts, err = store.LoadAlerts(ctx); err != nil {
		errs = append(errs, err)
	}
	if st.Snapshot, err = store.LoadSnapshot(ctx); err != nil {
		errs = append(errs, err)
	}
	return st, errors.Join(errs...)
}

// trimAlerts keeps the newest MaxAlerts entries of an oldest-first slice.
func trimAlerts(alerts []monitor.Alert) []monitor.Alert {
	if over := len(alerts) - MaxAlerts; over > 0 {
		return alerts[over:]
	}
	return alerts
}

// Nop discards writes and loads nothing.
type Nop struct{}

func (Nop) LoadConditions(context.Context) ([]monitor.Condition, error) { return nil, nil }
func (Nop) SaveConditions(context.Context, []monitor.Condition) error   { return nil }
func (Nop) LoadAlerts(context.Context) ([]monitor.Alert, error)         { return nil, nil }
func (Nop) SaveAlerts(context.Context, []monitor.Alert) error           { return nil }
func (Nop) LoadSnapshot(context.Context) (monitor.Snapshot, error)      { return monitor.Snapshot{}, nil }
func (Nop) SaveSnapshot(context.Context, monitor.Snapshot) error        { return nil }
func (Nop) Close()                                                      {}

var _ StateStore = Nop{}
