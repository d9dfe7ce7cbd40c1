package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-alerts/internal/fetcher"
	"yield-alerts/internal/monitor"
)

func sampleState(t *testing.T) ([]monitor.Condition, []monitor.Alert, monitor.Snapshot) {
	t.Helper()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := monitor.NewEngine(monitor.Options{Now: func() time.Time { return clock }})
	_, err := engine.CreateCondition(monitor.ConditionParams{
		Name:       "high apy",
		Type:       monitor.TypeAPYAbove,
		WebhookURL: "https://hooks.example.com/x",
		RuleParams: monitor.RuleParams{Threshold: fetcher.Float(15)},
	})
	require.NoError(t, err)
	res := engine.Evaluate([]fetcher.Reading{{Protocol: "kamino", Asset: "USDC", APY: 18.5, TVL: 7_000_000, RiskScore: fetcher.Float(3)}})
	require.Len(t, res.Alerts, 1)
	return engine.ListConditions(), engine.Alerts().All(), engine.Snapshot()
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	empty, err := LoadState(ctx, store)
	require.NoError(t, err)
	assert.Empty(t, empty.Conditions)
	assert.Empty(t, empty.Alerts)
	assert.True(t, empty.Snapshot.IsZero())

	conditions, alerts, snap := sampleState(t)
	require.NoError(t, store.SaveConditions(ctx, conditions))
	require.NoError(t, store.SaveAlerts(ctx, alerts))
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	st, err := LoadState(ctx, store)
	require.NoError(t, err)
	require.Len(t, st.Conditions, 1)
	assert.Equal(t, conditions[0].ID, st.Conditions[0].ID)
	assert.Equal(t, conditions[0].Rule, st.Conditions[0].Rule)
	assert.Equal(t, 1, st.Conditions[0].TriggerCount)
	require.Len(t, st.Alerts, 1)
	assert.Equal(t, alerts[0].ID, st.Alerts[0].ID)
	assert.Equal(t, 1, st.Snapshot.Len())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "temp files are cleaned up")
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alerts.json"), []byte("{"), 0o600))

	_, err = store.LoadAlerts(context.Background())
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ResourceAlerts, perr.Resource)
}

func TestFileStoreKeepsNewestAlerts(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	alerts := make([]monitor.Alert, MaxAlerts+10)
	for i := range alerts {
		alerts[i] = monitor.Alert{ID: fmt.Sprintf("alert-%d", i)}
	}
	require.NoError(t, store.SaveAlerts(context.Background(), alerts))

	loaded, err := store.LoadAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, MaxAlerts)
	assert.Equal(t, alerts[10].ID, loaded[0].ID)
}

type countingStore struct {
	Nop
	mu         sync.Mutex
	conditions [][]monitor.Condition
	snapshots  int
	failAlerts bool
}

func (s *countingStore) SaveConditions(_ context.Context, c []monitor.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions = append(s.conditions, c)
	return nil
}

func (s *countingStore) SaveAlerts(context.Context, []monitor.Alert) error {
	if s.failAlerts {
		return errors.New("disk full")
	}
	return nil
}

func (s *countingStore) SaveSnapshot(context.Context, monitor.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots++
	return nil
}

func TestPersisterCoalescesToLatest(t *testing.T) {
	store := &countingStore{}
	p := NewPersister(store, 0, zerolog.Nop())

	p.ScheduleConditions([]monitor.Condition{{ID: "1"}})
	p.ScheduleConditions([]monitor.Condition{{ID: "1"}, {ID: "2"}})
	p.ScheduleSnapshot(monitor.Snapshot{})
	require.NoError(t, p.Flush(context.Background()))

	require.Len(t, store.conditions, 1)
	assert.Len(t, store.conditions[0], 2)
	assert.Equal(t, 1, store.snapshots)

	require.NoError(t, p.Flush(context.Background()))
	assert.Len(t, store.conditions, 1, "nothing pending")
}

func TestPersisterRunWritesInBackground(t *testing.T) {
	store := &countingStore{failAlerts: true}
	p := NewPersister(store, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.ScheduleAlerts([]monitor.Alert{{ID: "a"}})
	p.ScheduleSnapshot(monitor.Snapshot{})
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.snapshots == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	p.ScheduleAlerts([]monitor.Alert{{ID: "b"}})
	assert.Error(t, p.Flush(context.Background()))
}
