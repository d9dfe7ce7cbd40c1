package monitor

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultAlertLimit caps the retained alert log.
const DefaultAlertLimit = 1000

// HistoryFilter narrows an alert history query. Zero fields match everything.
type HistoryFilter struct {
	Protocol       string
	Asset          string
	Type           ConditionType
	Severity       Severity
	Since          time.Time
	Unacknowledged bool
	Limit          int
}

func (f HistoryFilter) matches(a Alert) bool {
	if f.Protocol != "" && !strings.EqualFold(f.Protocol, a.Protocol) {
		return false
	}
	if f.Asset != "" && !strings.EqualFold(f.Asset, a.Asset) {
		return false
	}
	if f.Type != "" && f.Type != a.Type {
		return false
	}
	if f.Severity != "" && f.Severity != a.Severity {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	if f.Unacknowledged && a.Acknowledged {
		return false
	}
	return true
}

// AlertLog is the bounded in-memory alert history, oldest first.
type AlertLog struct {
	mu       sync.RWMutex
	alerts   []Alert
	limit    int
	onChange func([]Alert)

	// notifyMu orders hook calls so the last call always carries the newest copy.
	notifyMu sync.Mutex
}

// NewAlertLog creates a log that keeps at most limit alerts.
func NewAlertLog(limit int) *AlertLog {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	return &AlertLog{limit: limit}
}

// Append adds alerts, dropping the oldest entries past the limit.
func (l *AlertLog) Append(alerts ...Alert) {
	if len(alerts) == 0 {
		return
	}
	l.mu.Lock()
	for _, a := range alerts {
		l.alerts = append(l.alerts, a.clone())
	}
	if over := len(l.alerts) - l.limit; over > 0 {
		l.alerts = slices.Clone(l.alerts[over:])
	}
	l.mu.Unlock()
	l.changed()
}

// Get returns one alert by id.
func (l *AlertLog) Get(id string) (Alert, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.index(id); i >= 0 {
		return l.alerts[i].clone(), true
	}
	return Alert{}, false
}

// Recent returns up to n alerts, newest first. n <= 0 returns all.
func (l *AlertLog) Recent(n int) []Alert {
	return l.History(HistoryFilter{Limit: n})
}

// History returns matching alerts, newest first.
func (l *AlertLog) History(f HistoryFilter) []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Alert, 0)
	for i := len(l.alerts) - 1; i >= 0; i-- {
		if !f.matches(l.alerts[i]) {
			continue
		}
		out = append(out, l.alerts[i].clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Since returns every alert at or after t, oldest first.
func (l *AlertLog) Since(t time.Time) []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Alert, 0)
	for _, a := range l.alerts {
		if !a.Timestamp.Before(t) {
			out = append(out, a.clone())
		}
	}
	return out
}

// All returns the whole log, oldest first.
func (l *AlertLog) All() []Alert {
	return l.Since(time.Time{})
}

// Len reports the number of retained alerts.
func (l *AlertLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.alerts)
}

// Acknowledge marks an alert acknowledged. Acknowledging twice keeps the first
// timestamp.
func (l *AlertLog) Acknowledge(id string, now time.Time) (Alert, error) {
	l.mu.Lock()
	i := l.index(id)
	if i < 0 {
		l.mu.Unlock()
		return Alert{}, ErrNotFound
	}
	changed := false
	if !l.alerts[i].Acknowledged {
		t := now
		l.alerts[i].Acknowledged = true
		l.alerts[i].AcknowledgedAt = &t
		changed = true
	}
	out := l.alerts[i].clone()
	l.mu.Unlock()

	if changed {
		l.changed()
	}
	return out, nil
}

// AcknowledgeAll acknowledges every open alert and returns how many changed.
func (l *AlertLog) AcknowledgeAll(now time.Time) int {
	l.mu.Lock()
	n := 0
	for i := range l.alerts {
		if l.alerts[i].Acknowledged {
			continue
		}
		t := now
		l.alerts[i].Acknowledged = true
		l.alerts[i].AcknowledgedAt = &t
		n++
	}
	l.mu.Unlock()

	if n > 0 {
		l.changed()
	}
	return n
}

// MarkDelivered records a successful delivery on channel.
func (l *AlertLog) MarkDelivered(id, channel string) error {
	l.mu.Lock()
	i := l.index(id)
	if i < 0 {
		l.mu.Unlock()
		return ErrNotFound
	}
	if slices.Contains(l.alerts[i].DeliveredVia, channel) {
		l.mu.Unlock()
		return nil
	}
	l.alerts[i].DeliveredVia = append(l.alerts[i].DeliveredVia, channel)
	l.mu.Unlock()

	l.changed()
	return nil
}

func (l *AlertLog) index(id string) int {
	for i := len(l.alerts) - 1; i >= 0; i-- {
		if l.alerts[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *AlertLog) load(alerts []Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.ID == "" {
			continue
		}
		l.alerts = append(l.alerts, a.clone())
	}
	slices.SortStableFunc(l.alerts, func(a, b Alert) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if over := len(l.alerts) - l.limit; over > 0 {
		l.alerts = l.alerts[over:]
	}
}

func (l *AlertLog) setOnChange(fn func([]Alert)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *AlertLog) changed() {
	l.mu.RLock()
	fn := l.onChange
	l.mu.RUnlock()
	if fn == nil {
		return
	}
	// Hooks must not mutate the store.
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	fn(l.All())
}
