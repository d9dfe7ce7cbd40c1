package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-alerts/internal/alerting"
	"yield-alerts/internal/fetcher"
	"yield-alerts/internal/monitor"
	"yield-alerts/internal/scheduler"
	"yield-alerts/internal/stream"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *recordingNotifier) Channel() string { return monitor.ChannelWebhook }

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type failingSource struct{}

func (failingSource) FetchReadings(context.Context) ([]fetcher.Reading, error) {
	return nil, &fetcher.UpstreamFetchError{Source: "aggregator", Err: errors.New("503 service unavailable")}
}

type denyLocker struct{}

func (denyLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func newEngine(t *testing.T) *monitor.Engine {
	t.Helper()
	engine := monitor.NewEngine(monitor.Options{})
	_, err := engine.CreateCondition(monitor.ConditionParams{
		Name:       "usdc above 15",
		Type:       monitor.TypeAPYAbove,
		Asset:      "USDC",
		CooldownMs: int64Ptr(0),
		WebhookURL: "https://hooks.example.com/usdc",
		RuleParams: monitor.RuleParams{Threshold: fetcher.Float(15)},
	})
	require.NoError(t, err)
	return engine
}

func int64Ptr(v int64) *int64 { return &v }

func drain(sub *stream.Subscription) []stream.Event {
	var out []stream.Event
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunCycleFansOutAlerts(t *testing.T) {
	engine := newEngine(t)
	hub := stream.NewHub(stream.Options{}, zerolog.Nop())
	sub := hub.Subscribe()
	notifier := &recordingNotifier{}
	dispatcher := alerting.NewDispatcher([]alerting.Notifier{notifier}, alerting.DispatcherOptions{Workers: 1}, func(id, channel string) {
		_ = engine.MarkDelivered(id, channel)
	}, zerolog.Nop())
	dispatcher.Start()

	source := fetcher.NewStatic([]fetcher.Reading{
		{Protocol: "kamino", Asset: "USDC", APY: 18.2, TVL: 12_000_000},
		{Protocol: "marginfi", Asset: "SOL", APY: 21, TVL: 3_000_000},
	})
	svc := New(Options{}, nil, source, engine, hub, dispatcher, nil, nil, zerolog.Nop())

	require.NoError(t, svc.RunCycle(context.Background(), 1))
	dispatcher.Stop()

	events := drain(sub)
	assert.Equal(t, []stream.EventType{stream.EventWelcome, stream.EventSnapshot, stream.EventAlert}, types(events))
	snap, ok := events[1].Data.(SnapshotEvent)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Entities)
	assert.Equal(t, "kamino", snap.Entries[0].Protocol)

	alert, ok := events[2].Data.(monitor.Alert)
	require.True(t, ok)
	assert.Equal(t, "USDC", alert.Asset)

	require.Len(t, notifier.notes, 1)
	assert.Equal(t, "usdc above 15", notifier.notes[0].ConditionName)
	assert.Equal(t, "https://hooks.example.com/usdc", notifier.notes[0].WebhookURL)

	stored := engine.RecentAlerts(1)
	require.Len(t, stored, 1)
	assert.ElementsMatch(t, []string{monitor.ChannelStream, monitor.ChannelWebhook}, stored[0].DeliveredVia)
}

func TestRunCyclePublishesChanges(t *testing.T) {
	engine := monitor.NewEngine(monitor.Options{})
	hub := stream.NewHub(stream.Options{}, zerolog.Nop())
	source := fetcher.NewStatic([]fetcher.Reading{{Protocol: "aave", Asset: "USDT", APY: 4, TVL: 1_000_000}})
	svc := New(Options{}, nil, source, engine, hub, nil, nil, nil, zerolog.Nop())

	require.NoError(t, svc.RunCycle(context.Background(), 1))
	sub := hub.Subscribe()
	source.Set([]fetcher.Reading{{Protocol: "aave", Asset: "USDT", APY: 5, TVL: 1_000_000}})
	require.NoError(t, svc.RunCycle(context.Background(), 2))

	events := drain(sub)
	require.Equal(t, []stream.EventType{stream.EventWelcome, stream.EventSnapshot, stream.EventChange}, types(events))
	change := events[2].Data.(ChangeEvent)
	require.Len(t, change.Changes, 1)
	assert.InDelta(t, 4, change.Changes[0].PreviousAPY, 1e-9)
}

func TestRunCycleSkipsOnFetchError(t *testing.T) {
	engine := newEngine(t)
	svc := New(Options{}, nil, fetcher.NewStatic([]fetcher.Reading{{Protocol: "kamino", Asset: "USDC", APY: 3, TVL: 1}}), engine, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, svc.RunCycle(context.Background(), 1))
	before := engine.Snapshot()

	svc.source = failingSource{}
	require.NoError(t, svc.RunCycle(context.Background(), 2), "upstream failures are logged, not returned")

	assert.Equal(t, before, engine.Snapshot(), "snapshot untouched")
	assert.Equal(t, 1, engine.Stats().Passes)
}

func TestRunCycleHealthAndHeartbeatCadence(t *testing.T) {
	engine := monitor.NewEngine(monitor.Options{})
	hub := stream.NewHub(stream.Options{}, zerolog.Nop())
	sub := hub.Subscribe()
	source := fetcher.NewStatic([]fetcher.Reading{{Protocol: "aave", Asset: "USDT", APY: 4, TVL: 1_000_000}})
	svc := New(Options{HealthEvery: 2, HeartbeatEvery: 3}, nil, source, engine, hub, nil, nil, nil, zerolog.Nop())

	var seen []stream.EventType
	for cycle := 1; cycle <= 3; cycle++ {
		require.NoError(t, svc.RunCycle(context.Background(), cycle))
		for _, typ := range types(drain(sub)) {
			if typ != stream.EventSnapshot && typ != stream.EventWelcome {
				seen = append(seen, typ)
			}
		}
	}
	assert.Equal(t, []stream.EventType{stream.EventHealth, stream.EventSummary, stream.EventPing}, seen)
}

func TestRunCycleSkipsWithoutLock(t *testing.T) {
	engine := newEngine(t)
	source := fetcher.NewStatic([]fetcher.Reading{{Protocol: "kamino", Asset: "USDC", APY: 30, TVL: 1}})
	svc := New(Options{LockKey: 7}, nil, source, engine, nil, nil, nil, denyLocker{}, zerolog.Nop())

	require.NoError(t, svc.RunCycle(context.Background(), 1))
	assert.Equal(t, 0, engine.Stats().Passes)
}

func TestRunClosesHubAfterMaxCycles(t *testing.T) {
	engine := monitor.NewEngine(monitor.Options{})
	hub := stream.NewHub(stream.Options{}, zerolog.Nop())
	sub := hub.Subscribe()
	sched := scheduler.New(scheduler.Options{Interval: time.Millisecond, MaxCycles: 2, Immediate: true}, zerolog.Nop())
	source := fetcher.NewStatic([]fetcher.Reading{{Protocol: "aave", Asset: "USDT", APY: 4, TVL: 1_000_000}})
	svc := New(Options{}, sched, source, engine, hub, nil, nil, nil, zerolog.Nop())

	require.NoError(t, svc.Run(context.Background()))
	assert.Equal(t, 2, engine.Stats().Passes)

	var count int
	for range sub.Events {
		count++
	}
	assert.Equal(t, 3, count, "welcome plus one snapshot per cycle, then the stream ends")
}

func TestNewWelcome(t *testing.T) {
	engine := newEngine(t)
	engine.Evaluate([]fetcher.Reading{{Protocol: "kamino", Asset: "USDC", APY: 30, TVL: 1}})

	w := NewWelcome(engine, 20)
	assert.Equal(t, 1, w.Stats.TotalAlerts)
	assert.Len(t, w.Conditions, 1)
	assert.Len(t, w.RecentAlerts, 1)
}

// toggleSource fails while down is set.
type toggleSource struct {
	mu       sync.Mutex
	down     bool
	readings []fetcher.Reading
}

func (s *toggleSource) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *toggleSource) FetchReadings(context.Context) ([]fetcher.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, &fetcher.UpstreamFetchError{Source: "marginfi", Err: errors.New("timeout")}
	}
	return append([]fetcher.Reading(nil), s.readings...), nil
}

func TestRunCyclePartialSourceOutageRaisesNoFalseAlerts(t *testing.T) {
	engine := monitor.NewEngine(monitor.Options{})
	_, err := engine.CreateCondition(monitor.ConditionParams{
		Type:       monitor.TypeNewOpportunity,
		CooldownMs: int64Ptr(0),
		RuleParams: monitor.RuleParams{MinAPY: fetcher.Float(1)},
	})
	require.NoError(t, err)
	_, err = engine.CreateCondition(monitor.ConditionParams{
		Type:       monitor.TypeTVLChange,
		CooldownMs: int64Ptr(0),
		RuleParams: monitor.RuleParams{ChangePercent: fetcher.Float(10)},
	})
	require.NoError(t, err)

	flaky := &toggleSource{readings: []fetcher.Reading{{Protocol: "marginfi", Asset: "SOL", APY: 7, TVL: 5e6}}}
	src := fetcher.NewMulti(zerolog.Nop())
	src.Add("kamino", fetcher.NewStatic([]fetcher.Reading{{Protocol: "kamino", Asset: "USDC", APY: 5, TVL: 1e7}}))
	src.Add("marginfi", flaky)

	svc := New(Options{}, nil, src, engine, nil, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, svc.RunCycle(ctx, 1))
	require.Equal(t, 1, engine.Alerts().Len(), "first new entity raises one alert")

	flaky.setDown(true)
	require.NoError(t, svc.RunCycle(ctx, 2))
	assert.Equal(t, 2, engine.Snapshot().Len(), "failed source keeps its entities")

	flaky.setDown(false)
	require.NoError(t, svc.RunCycle(ctx, 3))
	assert.Equal(t, 1, engine.Alerts().Len(), "recovery pass raised alerts")
	assert.Equal(t, 3, engine.Stats().Passes)
}
