package alerting

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"yield-alerts/internal/metrics"
)

// DeliveredFunc is called after a notifier succeeds.
type DeliveredFunc func(alertID, channel string)

// DispatcherOptions tune the delivery pool.
type DispatcherOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher delivers notifications to every notifier on a bounded worker
// pool. Dispatch never blocks; a full queue drops the notification.
type Dispatcher struct {
	notifiers   []Notifier
	queue       chan Notification
	workers     int
	timeout     time.Duration
	onDelivered DeliveredFunc
	logger      zerolog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher builds a dispatcher. Call Start before Dispatch.
func NewDispatcher(notifiers []Notifier, opts DispatcherOptions, onDelivered DeliveredFunc, logger zerolog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifiers:   notifiers,
		queue:       make(chan Notification, opts.QueueSize),
		workers:     opts.Workers,
		timeout:     opts.Timeout,
		onDelivered: onDelivered,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		out = append(out, n.Channel())
	}
	return out
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	d.logger.Info().Int("workers", d.workers).Int("queue", cap(d.queue)).Strs("channels", d.Channels()).Msg("starting dispatcher")
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Dispatch queues a notification and reports whether it was accepted.
func (d *Dispatcher) Dispatch(note Notification) bool {
	if len(d.notifiers) == 0 {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.queue <- note:
		metrics.DispatchQueueSize.Set(float64(len(d.queue)))
		return true
	default:
		d.dropped.Add(1)
		metrics.DeliveriesTotal.WithLabelValues("all", "dropped").Inc()
		d.logger.Warn().Str("alert_id", note.Alert.ID).Msg("delivery queue full, notification dropped")
		return false
	}
}

// Stop drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return
	}
	d.wg.Wait()
	d.logger.Info().
		Uint64("delivered", d.delivered.Load()).
		Uint64("failed", d.failed.Load()).
		Uint64("dropped", d.dropped.Load()).
		Msg("dispatcher stopped")
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// DispatchStats holds delivery counters.
type DispatchStats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := d.logger.With().Int("worker_id", id).Logger()
	for note := range d.queue {
		metrics.DispatchQueueSize.Set(float64(len(d.queue)))
		for _, n := range d.notifiers {
			d.deliver(log, n, note)
		}
	}
}

func (d *Dispatcher) deliver(log zerolog.Logger, n Notifier, note Notification) {
	channel := n.Channel()
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			metrics.DeliveriesTotal.WithLabelValues(channel, "failed").Inc()
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("channel", channel).
				Msg("notifier panic recovered")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := n.Notify(ctx, note)
	switch {
	case errors.Is(err, ErrNoTarget):
		return
	case err != nil:
		d.failed.Add(1)
		metrics.DeliveriesTotal.WithLabelValues(channel, "failed").Inc()
		log.Warn().Err(err).Str("channel", channel).Str("alert_id", note.Alert.ID).Msg("alert delivery failed")
		return
	}

	d.delivered.Add(1)
	metrics.DeliveriesTotal.WithLabelValues(channel, "ok").Inc()
	if d.onDelivered != nil {
		d.onDelivered(note.Alert.ID, channel)
	}
}
