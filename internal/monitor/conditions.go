package monitor

import (
	"sort"
	"sync"
	"time"
)

// ConditionStore holds alert conditions in memory. All reads return copies,
// so callers never observe a condition mid-update.
type ConditionStore struct {
	mu         sync.RWMutex
	conditions map[string]Condition
	cooldown   time.Duration
	now        func() time.Time
	newID      func() string
	onChange   func([]Condition)

	// notifyMu orders hook calls so the last call always carries the newest copy.
	notifyMu sync.Mutex
}

func newConditionStore(cooldown time.Duration, now func() time.Time, newID func() string) *ConditionStore {
	return &ConditionStore{
		conditions: make(map[string]Condition),
		cooldown:   cooldown,
		now:        now,
		newID:      newID,
	}
}

// Create validates params and stores a new condition.
func (s *ConditionStore) Create(params ConditionParams) (Condition, error) {
	rule, err := BuildRule(params.Type, params.RuleParams)
	if err != nil {
		return Condition{}, err
	}
	cooldown, err := cooldownFromMs(params.CooldownMs, s.cooldown)
	if err != nil {
		return Condition{}, err
	}
	if err := validateWebhook(params.WebhookURL); err != nil {
		return Condition{}, err
	}

	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}

	now := s.now()
	cond := Condition{
		ID:         s.newID(),
		Name:       params.Name,
		Rule:       rule,
		Enabled:    enabled,
		Protocol:   params.Protocol,
		Asset:      params.Asset,
		Cooldown:   cooldown,
		WebhookURL: params.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.conditions[cond.ID] = cond
	s.mu.Unlock()

	s.changed()
	return cond.clone(), nil
}

// Update applies a partial update. Returns ErrNotFound for unknown ids.
func (s *ConditionStore) Update(id string, patch ConditionPatch) (Condition, error) {
	s.mu.Lock()
	current, ok := s.conditions[id]
	if !ok {
		s.mu.Unlock()
		return Condition{}, ErrNotFound
	}
	updated, err := patch.apply(current.clone())
	if err != nil {
		s.mu.Unlock()
		return Condition{}, err
	}
	updated.UpdatedAt = s.now()
	s.conditions[id] = updated
	s.mu.Unlock()

	s.changed()
	return updated.clone(), nil
}

// Delete removes a condition and reports whether it existed.
func (s *ConditionStore) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.conditions[id]
	delete(s.conditions, id)
	s.mu.Unlock()

	if ok {
		s.changed()
	}
	return ok
}

// Get returns a copy of one condition.
func (s *ConditionStore) Get(id string) (Condition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conditions[id]
	if !ok {
		return Condition{}, false
	}
	return c.clone(), true
}

// List returns all conditions ordered by creation time.
func (s *ConditionStore) List() []Condition {
	s.mu.RLock()
	out := make([]Condition, 0, len(s.conditions))
	for _, c := range s.conditions {
		out = append(out, c.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of stored conditions.
func (s *ConditionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conditions)
}

// markTriggered records a trigger if the condition still exists and is still
// eligible, re-checked under the write lock.
func (s *ConditionStore) markTriggered(id string, at time.Time) (Condition, bool) {
	s.mu.Lock()
	c, ok := s.conditions[id]
	if !ok || !c.Eligible(at) {
		s.mu.Unlock()
		return Condition{}, false
	}
	t := at
	c.LastTriggered = &t
	c.TriggerCount++
	s.conditions[id] = c
	s.mu.Unlock()

	s.changed()
	return c.clone(), true
}

func (s *ConditionStore) load(conditions []Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions = make(map[string]Condition, len(conditions))
	for _, c := range conditions {
		if c.ID == "" || c.Rule == nil {
			continue
		}
		s.conditions[c.ID] = c.clone()
	}
}

func (s *ConditionStore) setOnChange(fn func([]Condition)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *ConditionStore) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	// Hooks must not mutate the store.
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	fn(s.List())
}
