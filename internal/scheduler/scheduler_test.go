package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStopsAfterMaxCycles(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, MaxCycles: 3, Immediate: true}, zerolog.Nop())

	var cycles []int
	err := s.Run(context.Background(), func(_ context.Context, cycle int) error {
		cycles = append(cycles, cycle)
		if cycle == 2 {
			return errors.New("upstream down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, cycles, "errors do not stop the loop")
}

func TestRunImmediateTicksBeforeInterval(t *testing.T) {
	s := New(Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	ticked := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, cycle int) error {
			ticked <- cycle
			return nil
		})
	}()

	select {
	case c := <-ticked:
		assert.Equal(t, 1, c)
	case <-time.After(time.Second):
		t.Fatal("immediate tick did not run")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunCancelledDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(context.Context, int) error {
		t.Fatal("tick must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRejectsZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
