package monitor

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// DefaultCooldown spaces out repeated triggers of one condition.
const DefaultCooldown = time.Hour

// Wildcard matches any protocol or asset.
const Wildcard = "*"

// Condition is a standing alert rule plus its trigger bookkeeping.
type Condition struct {
	ID            string
	Name          string
	Rule          Rule
	Enabled       bool
	Protocol      string
	Asset         string
	Cooldown      time.Duration
	WebhookURL    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastTriggered *time.Time
	TriggerCount  int
}

// Type returns the rule's condition type.
func (c Condition) Type() ConditionType {
	if c.Rule == nil {
		return ""
	}
	return c.Rule.Type()
}

// Matches reports whether the entity passes the protocol/asset filters.
func (c Condition) Matches(protocol, asset string) bool {
	return filterMatches(c.Protocol, protocol) && filterMatches(c.Asset, asset)
}

// Eligible reports whether the condition may fire at now.
func (c Condition) Eligible(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.LastTriggered == nil {
		return true
	}
	return now.Sub(*c.LastTriggered) >= c.Cooldown
}

func (c Condition) clone() Condition {
	out := c
	if c.LastTriggered != nil {
		t := *c.LastTriggered
		out.LastTriggered = &t
	}
	return out
}

func filterMatches(filter, value string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || filter == Wildcard {
		return true
	}
	return strings.EqualFold(filter, value)
}

// ConditionParams is the input accepted by ConditionStore.Create.
type ConditionParams struct {
	Name       string        `json:"name,omitempty"`
	Type       ConditionType `json:"type"`
	Enabled    *bool         `json:"enabled,omitempty"`
	Protocol   string        `json:"protocol,omitempty"`
	Asset      string        `json:"asset,omitempty"`
	CooldownMs *int64        `json:"cooldownMs,omitempty"`
	WebhookURL string        `json:"webhookUrl,omitempty"`
	RuleParams
}

// ConditionPatch is a partial update; nil fields are left unchanged.
type ConditionPatch struct {
	Name          *string        `json:"name,omitempty"`
	Type          *ConditionType `json:"type,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
	Protocol      *string        `json:"protocol,omitempty"`
	Asset         *string        `json:"asset,omitempty"`
	CooldownMs    *int64         `json:"cooldownMs,omitempty"`
	WebhookURL    *string        `json:"webhookUrl,omitempty"`
	Threshold     *float64       `json:"threshold,omitempty"`
	ChangePercent *float64       `json:"changePercent,omitempty"`
	MinAPY        *float64       `json:"minApy,omitempty"`
	MaxRiskScore  *float64       `json:"maxRiskScore,omitempty"`
}

// maxCooldownMs is the largest cooldown representable as a time.Duration.
const maxCooldownMs = math.MaxInt64 / int64(time.Millisecond)

func cooldownFromMs(ms *int64, fallback time.Duration) (time.Duration, error) {
	if ms == nil {
		return fallback, nil
	}
	if *ms < 0 {
		return 0, invalid("cooldownMs", "must not be negative")
	}
	if *ms > maxCooldownMs {
		return 0, invalid("cooldownMs", "must not exceed %d", maxCooldownMs)
	}
	return time.Duration(*ms) * time.Millisecond, nil
}

func validateWebhook(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid("webhookUrl", "must be an absolute http(s) url")
	}
	return nil
}

// apply merges the patch into c and rebuilds the rule.
func (p ConditionPatch) apply(c Condition) (Condition, error) {
	typ := c.Type()
	if p.Type != nil {
		typ = *p.Type
	}

	params := c.Rule.Params()
	if p.Threshold != nil {
		params.Threshold = p.Threshold
	}
	if p.ChangePercent != nil {
		params.ChangePercent = p.ChangePercent
	}
	if p.MinAPY != nil {
		params.MinAPY = p.MinAPY
	}
	if p.MaxRiskScore != nil {
		params.MaxRiskScore = p.MaxRiskScore
	}

	rule, err := BuildRule(typ, params)
	if err != nil {
		return Condition{}, err
	}
	c.Rule = rule

	cooldown, err := cooldownFromMs(p.CooldownMs, c.Cooldown)
	if err != nil {
		return Condition{}, err
	}
	c.Cooldown = cooldown

	if p.WebhookURL != nil {
		if err := validateWebhook(*p.WebhookURL); err != nil {
			return Condition{}, err
		}
		c.WebhookURL = *p.WebhookURL
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.Protocol != nil {
		c.Protocol = *p.Protocol
	}
	if p.Asset != nil {
		c.Asset = *p.Asset
	}
	return c, nil
}

// conditionJSON is the flat wire form of a Condition.
type conditionJSON struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	Type          ConditionType `json:"type"`
	Enabled       bool          `json:"enabled"`
	Protocol      string        `json:"protocol,omitempty"`
	Asset         string        `json:"asset,omitempty"`
	CooldownMs    int64         `json:"cooldownMs"`
	WebhookURL    string        `json:"webhookUrl,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	LastTriggered *time.Time    `json:"lastTriggered,omitempty"`
	TriggerCount  int           `json:"triggerCount"`
	RuleParams
}

// MarshalJSON flattens the rule parameters next to the condition header.
func (c Condition) MarshalJSON() ([]byte, error) {
	wire := conditionJSON{
		ID:            c.ID,
		Name:          c.Name,
		Type:          c.Type(),
		Enabled:       c.Enabled,
		Protocol:      c.Protocol,
		Asset:         c.Asset,
		CooldownMs:    c.Cooldown.Milliseconds(),
		WebhookURL:    c.WebhookURL,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		LastTriggered: c.LastTriggered,
		TriggerCount:  c.TriggerCount,
	}
	if c.Rule != nil {
		wire.RuleParams = c.Rule.Params()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON rebuilds and validates the rule variant.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var wire conditionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	rule, err := BuildRule(wire.Type, wire.RuleParams)
	if err != nil {
		return fmt.Errorf("condition %s: %w", wire.ID, err)
	}
	cooldown, err := cooldownFromMs(&wire.CooldownMs, 0)
	if err != nil {
		return fmt.Errorf("condition %s: %w", wire.ID, err)
	}
	*c = Condition{
		ID:            wire.ID,
		Name:          wire.Name,
		Rule:          rule,
		Enabled:       wire.Enabled,
		Protocol:      wire.Protocol,
		Asset:         wire.Asset,
		Cooldown:      cooldown,
		WebhookURL:    wire.WebhookURL,
		CreatedAt:     wire.CreatedAt,
		UpdatedAt:     wire.UpdatedAt,
		LastTriggered: wire.LastTriggered,
		TriggerCount:  wire.TriggerCount,
	}
	return nil
}
