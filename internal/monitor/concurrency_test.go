package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-alerts/internal/fetcher"
)

func TestCooldownMsOverflowRejected(t *testing.T) {
	e := newTestEngine(newClock())

	huge := int64(10_000_000_000_000)
	_, err := e.CreateCondition(ConditionParams{Type: TypeAPYAbove, CooldownMs: &huge, RuleParams: RuleParams{Threshold: float(1)}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "cooldownMs", verr.Field)

	largest := maxCooldownMs
	cond, err := e.CreateCondition(ConditionParams{Type: TypeAPYAbove, CooldownMs: &largest, RuleParams: RuleParams{Threshold: float(1)}})
	require.NoError(t, err)
	assert.Positive(t, cond.Cooldown)

	_, err = e.UpdateCondition(cond.ID, ConditionPatch{CooldownMs: &huge})
	require.ErrorAs(t, err, &verr)

	raw, err := json.Marshal(cond)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	flat["cooldownMs"] = huge
	raw, err = json.Marshal(flat)
	require.NoError(t, err)

	var decoded Condition
	require.ErrorAs(t, json.Unmarshal(raw, &decoded), &verr)
}

func TestCooldownHoldsForLargestValue(t *testing.T) {
	clock := newClock()
	e := newTestEngine(clock)
	largest := maxCooldownMs
	_, err := e.CreateCondition(ConditionParams{Type: TypeAPYAbove, CooldownMs: &largest, RuleParams: RuleParams{Threshold: float(1)}})
	require.NoError(t, err)

	readings := []fetcher.Reading{reading("kamino", "USDC", 5, 1e6)}
	total := 0
	for i := 0; i < 3; i++ {
		total += len(e.Evaluate(readings).Alerts)
		clock.Advance(time.Second)
	}
	assert.Equal(t, 1, total)
}

func TestDisableDuringConcurrentPasses(t *testing.T) {
	e := NewEngine(Options{Now: newClock().Now})
	zero := int64(0)
	target, err := e.CreateCondition(ConditionParams{Type: TypeAPYAbove, CooldownMs: &zero, RuleParams: RuleParams{Threshold: float(1)}})
	require.NoError(t, err)
	other, err := e.CreateCondition(ConditionParams{Type: TypeAPYBelow, CooldownMs: &zero, RuleParams: RuleParams{Threshold: float(100)}})
	require.NoError(t, err)

	readings := []fetcher.Reading{reading("kamino", "USDC", 5, 1e6), reading("aave", "USDT", 4, 2e6)}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, a := range e.Evaluate(readings).Alerts {
					_, _ = e.Acknowledge(a.ID)
				}
			}
		}()
	}

	require.Eventually(t, func() bool { return e.Alerts().Len() >= 4 }, 2*time.Second, time.Millisecond)

	disabled := false
	updated, err := e.UpdateCondition(target.ID, ConditionPatch{Enabled: &disabled})
	require.NoError(t, err)
	require.True(t, e.DeleteCondition(other.ID))

	// Let a few more passes run against the new condition set.
	passes := e.Stats().Passes
	require.Eventually(t, func() bool { return e.Stats().Passes >= passes+10 }, 2*time.Second, time.Millisecond)
	close(stop)
	wg.Wait()

	got, ok := e.GetCondition(target.ID)
	require.True(t, ok)
	assert.False(t, got.Enabled)
	assert.Equal(t, updated.TriggerCount, got.TriggerCount, "disabled condition triggered again")
	_, ok = e.GetCondition(other.ID)
	assert.False(t, ok)

	before := e.Alerts().Len()
	assert.Empty(t, e.Evaluate(readings).Alerts)
	assert.Equal(t, before, e.Alerts().Len())
	for _, a := range e.Alerts().All() {
		assert.True(t, a.Acknowledged, "alert %s not acknowledged", a.ID)
	}
}

func TestConcurrentMutationsHookSeesNewestCopy(t *testing.T) {
	e := NewEngine(Options{Now: newClock().Now})

	var (
		mu         sync.Mutex
		lastConds  []Condition
		lastAlerts []Alert
	)
	e.OnConditionsChanged(func(c []Condition) {
		mu.Lock()
		lastConds = c
		mu.Unlock()
	})
	e.OnAlertsChanged(func(a []Alert) {
		mu.Lock()
		lastAlerts = a
		mu.Unlock()
	})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := e.CreateCondition(ConditionParams{Name: fmt.Sprintf("c-%d", i), Type: TypeAPYAbove, RuleParams: RuleParams{Threshold: float(50)}})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			e.Alerts().Append(Alert{ID: fmt.Sprintf("a-%d", i), Timestamp: newClock().Now()})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, lastConds, n)
	assert.Len(t, lastAlerts, n)
}
