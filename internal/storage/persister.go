package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"yield-alerts/internal/metrics"
	"yield-alerts/internal/monitor"
)

// Persister schedules state writes in the background. Repeated schedules of
// the same resource coalesce; only the latest value is written. Failures are
// logged and never reach the caller.
type Persister struct {
	store  StateStore
	delay  time.Duration
	logger zerolog.Logger

	mu         sync.Mutex
	conditions []monitor.Condition
	alerts     []monitor.Alert
	snapshot   *monitor.Snapshot
	dirty      map[Resource]bool

	writeMu sync.Mutex
	wake    chan struct{}
}

// NewPersister wraps store. delay batches bursts of schedules into one write.
func NewPersister(store StateStore, delay time.Duration, logger zerolog.Logger) *Persister {
	return &Persister{
		store:  store,
		delay:  delay,
		logger: logger.With().Str("component", "persister").Logger(),
		dirty:  make(map[Resource]bool),
		wake:   make(chan struct{}, 1),
	}
}

// ScheduleConditions queues a condition list write.
func (p *Persister) ScheduleConditions(conditions []monitor.Condition) {
	p.mu.Lock()
	p.conditions = conditions
	p.dirty[ResourceConditions] = true
	p.mu.Unlock()
	p.signal()
}

// ScheduleAlerts queues an alert log write.
func (p *Persister) ScheduleAlerts(alerts []monitor.Alert) {
	p.mu.Lock()
	p.alerts = alerts
	p.dirty[ResourceAlerts] = true
	p.mu.Unlock()
	p.signal()
}

// ScheduleSnapshot queues a snapshot write.
func (p *Persister) ScheduleSnapshot(snap monitor.Snapshot) {
	p.mu.Lock()
	p.snapshot = &snap
	p.dirty[ResourceSnapshot] = true
	p.mu.Unlock()
	p.signal()
}

func (p *Persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run writes scheduled state until ctx is cancelled. Call Flush afterwards to
// write whatever is still pending.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		if p.delay > 0 {
			timer := time.NewTimer(p.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		_ = p.Flush(ctx)
	}
}

// Flush synchronously writes every pending resource.
func (p *Persister) Flush(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	dirty := p.dirty
	p.dirty = make(map[Resource]bool)
	conditions, alerts, snapshot := p.conditions, p.alerts, p.snapshot
	p.mu.Unlock()

	var errs []error
	if dirty[ResourceConditions] {
		errs = append(errs, p.write(ResourceConditions, func() error { return p.store.SaveConditions(ctx, conditions) }))
	}
	if dirty[ResourceAlerts] {
		errs = append(errs, p.write(ResourceAlerts, func() error { return p.store.SaveAlerts(ctx, alerts) }))
	}
	if dirty[ResourceSnapshot] && snapshot != nil {
		errs = append(errs, p.write(ResourceSnapshot, func() error { return p.store.SaveSnapshot(ctx, *snapshot) }))
	}
	return errors.Join(errs...)
}

func (p *Persister) write(r Resource, fn func() error) error {
	if err := fn(); err != nil {
		metrics.PersistenceErrorsTotal.WithLabelValues(string(r), "save").Inc()
		p.logger.Error().Err(err).Str("resource", string(r)).Msg("persist state failed")
		return err
	}
	p.logger.Debug().Str("resource", string(r)).Msg("state persisted")
	return nil
}
