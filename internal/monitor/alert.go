package monitor

import (
	"slices"
	"time"
)

// Severity grades an alert by magnitude.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Delivery channel names recorded in Alert.DeliveredVia.
const (
	ChannelStream        = "stream"
	ChannelWebhook       = "webhook"
	ChannelTelegram      = "telegram"
	ChannelKafka         = "kafka"
	ChannelElasticsearch = "elasticsearch"
)

// Alert is one trigger of a condition. Everything except the acknowledgement
// and delivery bookkeeping is fixed at creation.
type Alert struct {
	ID             string        `json:"id"`
	ConditionID    string        `json:"conditionId"`
	Type           ConditionType `json:"type"`
	Timestamp      time.Time     `json:"timestamp"`
	Protocol       string        `json:"protocol"`
	Asset          string        `json:"asset"`
	CurrentValue   float64       `json:"currentValue"`
	PreviousValue  *float64      `json:"previousValue,omitempty"`
	ChangePercent  *float64      `json:"changePercent,omitempty"`
	RiskScore      *float64      `json:"riskScore,omitempty"`
	TVL            *float64      `json:"tvl,omitempty"`
	Title          string        `json:"title"`
	Message        string        `json:"message"`
	Severity       Severity      `json:"severity"`
	Acknowledged   bool          `json:"acknowledged"`
	AcknowledgedAt *time.Time    `json:"acknowledgedAt,omitempty"`
	DeliveredVia   []string      `json:"deliveredVia"`
}

// DeliveredOn reports whether channel is recorded as delivered.
func (a Alert) DeliveredOn(channel string) bool {
	return slices.Contains(a.DeliveredVia, channel)
}

func (a Alert) clone() Alert {
	out := a
	out.DeliveredVia = slices.Clone(a.DeliveredVia)
	if out.DeliveredVia == nil {
		out.DeliveredVia = []string{}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	return out
}

func newAlert(id string, cond Condition, obs Observation, m Measurement, at time.Time) Alert {
	title, message := cond.Rule.describe(obs, m)
	alert := Alert{
		ID:           id,
		ConditionID:  cond.ID,
		Type:         cond.Type(),
		Timestamp:    at,
		Protocol:     obs.Protocol,
		Asset:        obs.Asset,
		CurrentValue: m.Current,
		TVL:          ptr(obs.TVL),
		Title:        title,
		Message:      message,
		Severity:     cond.Rule.severity(m),
		DeliveredVia: []string{},
	}
	if m.Previous != nil {
		alert.PreviousValue = ptr(*m.Previous)
	}
	if m.ChangePercent != nil {
		alert.ChangePercent = ptr(*m.ChangePercent)
	}
	if obs.RiskScore != nil {
		alert.RiskScore = ptr(*obs.RiskScore)
	}
	return alert
}
