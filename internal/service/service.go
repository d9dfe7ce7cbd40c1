package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"yield-alerts/internal/alerting"
	"yield-alerts/internal/config"
	"yield-alerts/internal/fetcher"
	"yield-alerts/internal/metrics"
	"yield-alerts/internal/monitor"
	"yield-alerts/internal/scheduler"
	"yield-alerts/internal/storage"
	"yield-alerts/internal/stream"
)

// Options tune what one cycle emits besides alerts.
type Options struct {
	HealthEvery    int
	HeartbeatEvery int
	FetchTimeout   time.Duration
	LockKey        int64
}

// OptionsFromConfig maps poller and persistence settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		HealthEvery:    cfg.Poller.HealthEvery,
		HeartbeatEvery: cfg.Poller.HeartbeatEvery,
		FetchTimeout:   cfg.Poller.FetchTimeout,
	}
	if cfg.Persistence.AdvisoryLock {
		opts.LockKey = cfg.Persistence.AdvisoryLockKey
	}
	return opts
}

// Service orchestrates fetching, evaluation, fan-out and persistence.
type Service struct {
	scheduler  *scheduler.Scheduler
	source     fetcher.Source
	engine     *monitor.Engine
	hub        *stream.Hub
	dispatcher *alerting.Dispatcher
	persister  *storage.Persister
	locker     storage.AdvisoryLocker
	opts       Options
	logger     zerolog.Logger
}

// New constructs the monitoring service. hub, dispatcher, persister and
// locker may be nil.
func New(opts Options, sched *scheduler.Scheduler, source fetcher.Source, engine *monitor.Engine, hub *stream.Hub, dispatcher *alerting.Dispatcher, persister *storage.Persister, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		source:     source,
		engine:     engine,
		hub:        hub,
		dispatcher: dispatcher,
		persister:  persister,
		locker:     locker,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run drives cycles until the scheduler stops, then closes live subscribers.
// Cancellation is a clean stop, not an error.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	err := s.scheduler.Run(ctx, s.RunCycle)
	if s.hub != nil {
		s.hub.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunCycle performs one fetch and evaluate pass.
func (s *Service) RunCycle(ctx context.Context, cycle int) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		return err
	}
	if !proceed {
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug().Int("cycle", cycle).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(started).Seconds()) }()

	readings, err := s.fetch(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("fetch_error").Inc()
		var upstream *fetcher.UpstreamFetchError
		if errors.As(err, &upstream) {
			s.logger.Warn().Err(err).Str("source", upstream.Source).Int("cycle", cycle).Msg("upstream fetch failed, cycle skipped")
			return nil
		}
		return fmt.Errorf("fetch readings: %w", err)
	}

	result := s.Process(readings)
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	s.logger.Info().
		Int("cycle", cycle).
		Int("entities", result.Snapshot.Len()).
		Int("changes", len(result.Changes)).
		Int("alerts", len(result.Alerts)).
		Msg("cycle evaluated")

	if s.opts.HealthEvery > 0 && cycle%s.opts.HealthEvery == 0 {
		s.PublishHealth()
	}
	if s.opts.HeartbeatEvery > 0 && cycle%s.opts.HeartbeatEvery == 0 {
		s.publish(stream.EventPing, PingEvent{Cycle: cycle})
	}
	return nil
}

// Process evaluates readings and fans the results out. It is the part of a
// cycle shared with replay and simulation.
func (s *Service) Process(readings []fetcher.Reading) monitor.PassResult {
	result := s.engine.Evaluate(readings)
	metrics.MonitoredEntities.Set(float64(result.Snapshot.Len()))

	s.publish(stream.EventSnapshot, NewSnapshotEvent(result.Snapshot))
	if len(result.Changes) > 0 {
		s.publish(stream.EventChange, ChangeEvent{Timestamp: result.Timestamp, Changes: result.Changes})
	}
	for _, alert := range result.Alerts {
		metrics.AlertsTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
		s.deliver(alert)
	}

	if s.persister != nil {
		s.persister.ScheduleSnapshot(result.Snapshot)
	}
	return result
}

func (s *Service) deliver(alert monitor.Alert) {
	s.logger.Info().
		Str("alert_id", alert.ID).
		Str("type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Str("protocol", alert.Protocol).
		Str("asset", alert.Asset).
		Msg(alert.Title)

	if s.hub != nil && s.hub.Len() > 0 {
		s.hub.Publish(stream.EventAlert, alert)
		if err := s.engine.MarkDelivered(alert.ID, monitor.ChannelStream); err != nil && !errors.Is(err, monitor.ErrNotFound) {
			s.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("record stream delivery failed")
		}
	}

	if s.dispatcher == nil {
		return
	}
	note := alerting.Notification{Alert: alert}
	if cond, ok := s.engine.GetCondition(alert.ConditionID); ok {
		note.ConditionName = cond.Name
		note.WebhookURL = cond.WebhookURL
	}
	s.dispatcher.Dispatch(note)
}

// PublishHealth emits the per-protocol health and the engine summary.
func (s *Service) PublishHealth() {
	s.publish(stream.EventHealth, HealthEvent{Protocols: s.engine.Health()})
	s.PublishSummary("periodic")
}

// PublishSummary emits engine stats. reason tells subscribers what prompted it.
func (s *Service) PublishSummary(reason string) {
	s.publish(stream.EventSummary, SummaryEvent{Reason: reason, Stats: s.engine.Stats()})
}

func (s *Service) publish(typ stream.EventType, data any) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(typ, data)
}

func (s *Service) fetch(ctx context.Context) ([]fetcher.Reading, error) {
	if s.source == nil {
		return nil, fmt.Errorf("source not configured")
	}
	if s.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
	}
	return s.source.FetchReadings(ctx)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// SnapshotEvent is the payload of a snapshot event.
type SnapshotEvent struct {
	Timestamp time.Time             `json:"timestamp"`
	Entities  int                   `json:"entities"`
	Entries   []monitor.Observation `json:"entries"`
}

// NewSnapshotEvent lists snapshot entries in key order.
func NewSnapshotEvent(snap monitor.Snapshot) SnapshotEvent {
	keys := make([]string, 0, len(snap.Entries))
	for k := range snap.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]monitor.Observation, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, snap.Entries[k])
	}
	return SnapshotEvent{Timestamp: snap.Timestamp, Entities: len(entries), Entries: entries}
}

// ChangeEvent carries the entities whose values moved in one pass.
type ChangeEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Changes   []monitor.Change `json:"changes"`
}

type HealthEvent struct {
	Protocols []monitor.ProtocolHealth `json:"protocols"`
}

type SummaryEvent struct {
	Reason string        `json:"reason"`
	Stats  monitor.Stats `json:"stats"`
}

type PingEvent struct {
	Cycle int `json:"cycle"`
}

// Welcome is sent to every new live subscriber.
type Welcome struct {
	Stats        monitor.Stats       `json:"stats"`
	Conditions   []monitor.Condition `json:"conditions"`
	RecentAlerts []monitor.Alert     `json:"recentAlerts"`
}

// NewWelcome captures the engine state a fresh subscriber needs.
func NewWelcome(engine *monitor.Engine, recent int) Welcome {
	return Welcome{
		Stats:        engine.Stats(),
		Conditions:   engine.ListConditions(),
		RecentAlerts: engine.RecentAlerts(recent),
	}
}
