package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	channel string
	err     error
	panic   bool
	block   chan struct{}

	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Channel() string { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	if n.block != nil {
		<-n.block
	}
	if n.panic {
		panic("boom")
	}
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func TestDispatcherDeliversToEveryChannel(t *testing.T) {
	ok := &recordingNotifier{channel: "webhook"}
	failing := &recordingNotifier{channel: "kafka", err: errors.New("down")}
	skipped := &recordingNotifier{channel: "telegram", err: ErrNoTarget}
	panicking := &recordingNotifier{channel: "elasticsearch", panic: true}

	var mu sync.Mutex
	delivered := map[string][]string{}
	d := NewDispatcher([]Notifier{panicking, ok, failing, skipped}, DispatcherOptions{Workers: 2, QueueSize: 8}, func(id, channel string) {
		mu.Lock()
		delivered[id] = append(delivered[id], channel)
		mu.Unlock()
	}, testLogger())
	d.Start()

	note := sampleNote()
	require.True(t, d.Dispatch(note))
	d.Stop()

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, map[string][]string{"alert-1": {"webhook"}}, delivered)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Failed)

	assert.False(t, d.Dispatch(note), "dispatch after stop is rejected")
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	slow := &recordingNotifier{channel: "webhook", block: block}
	d := NewDispatcher([]Notifier{slow}, DispatcherOptions{Workers: 1, QueueSize: 1, Timeout: time.Second}, nil, testLogger())
	d.Start()

	accepted := 0
	deadline := time.Now().Add(time.Second)
	for i := 0; i < 10; i++ {
		if d.Dispatch(sampleNote()) {
			accepted++
		}
	}
	assert.Less(t, accepted, 10)
	assert.True(t, time.Now().Before(deadline), "dispatch must not block")
	assert.Positive(t, d.Stats().Dropped)

	close(block)
	d.Stop()
	assert.Equal(t, accepted, slow.count())
}

func TestDispatcherWithoutNotifiers(t *testing.T) {
	d := NewDispatcher(nil, DispatcherOptions{}, nil, testLogger())
	d.Start()
	assert.False(t, d.Dispatch(sampleNote()))
	d.Stop()
}
