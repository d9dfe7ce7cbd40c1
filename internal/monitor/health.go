package monitor

import (
	"sort"
	"strings"
	"time"
)

// HealthStatus is the coarse per-protocol classification.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

// Trend follows the protocol's TVL across the last pass.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Health thresholds. Risk scores are on a 0-10 scale.
const (
	criticalRisk       = 7.0
	degradedRisk       = 4.0
	criticalAlertCount = 5
	trendBandPercent   = 1.0
)

// ProtocolHealth aggregates the current snapshot for one protocol.
type ProtocolHealth struct {
	Protocol       string       `json:"protocol"`
	AvgRiskScore   *float64     `json:"avgRiskScore,omitempty"`
	TVL            float64      `json:"tvl"`
	Pools          int          `json:"pools"`
	AlertsLastHour int          `json:"alertsLastHour"`
	Status         HealthStatus `json:"status"`
	Trend          Trend        `json:"trend"`
	TVLChange      *float64     `json:"tvlChangePercent,omitempty"`
}

// Stats summarises engine state.
type Stats struct {
	Conditions        int              `json:"conditions"`
	EnabledConditions int              `json:"enabledConditions"`
	TotalAlerts       int              `json:"totalAlerts"`
	Unacknowledged    int              `json:"unacknowledged"`
	AlertsLastHour    int              `json:"alertsLastHour"`
	AlertsLast24h     int              `json:"alertsLast24h"`
	BySeverity        map[Severity]int `json:"bySeverity"`
	ByType            map[string]int   `json:"byType"`
	MonitoredEntities int              `json:"monitoredEntities"`
	Passes            int              `json:"passes"`
	LastPass          *time.Time       `json:"lastPass,omitempty"`
}

func protocolKey(p string) string {
	return strings.ToLower(p)
}

// buildHealth aggregates snap per protocol using alerts from the last hour.
func buildHealth(snap Snapshot, recent []Alert, delta map[string]float64) []ProtocolHealth {
	type acc struct {
		health    ProtocolHealth
		riskSum   float64
		riskCount int
		critical  bool
	}
	byProtocol := make(map[string]*acc)
	for _, obs := range snap.Entries {
		key := protocolKey(obs.Protocol)
		a, ok := byProtocol[key]
		if !ok {
			a = &acc{health: ProtocolHealth{Protocol: obs.Protocol}}
			byProtocol[key] = a
		}
		a.health.Pools++
		a.health.TVL += obs.TVL
		if obs.RiskScore != nil {
			a.riskSum += *obs.RiskScore
			a.riskCount++
		}
	}
	for _, alert := range recent {
		a, ok := byProtocol[protocolKey(alert.Protocol)]
		if !ok {
			continue
		}
		a.health.AlertsLastHour++
		if alert.Severity == SeverityCritical {
			a.critical = true
		}
	}

	out := make([]ProtocolHealth, 0, len(byProtocol))
	for key, a := range byProtocol {
		h := a.health
		avg := -1.0
		if a.riskCount > 0 {
			avg = a.riskSum / float64(a.riskCount)
			h.AvgRiskScore = ptr(avg)
		}
		switch {
		case avg >= criticalRisk || h.AlertsLastHour >= criticalAlertCount || a.critical:
			h.Status = StatusCritical
		case avg >= degradedRisk || h.AlertsLastHour >= 1:
			h.Status = StatusDegraded
		default:
			h.Status = StatusHealthy
		}
		h.Trend = TrendStable
		if pct, ok := delta[key]; ok {
			h.TVLChange = ptr(pct)
			switch {
			case pct > trendBandPercent:
				h.Trend = TrendImproving
			case pct < -trendBandPercent:
				h.Trend = TrendDeclining
			}
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TVL == out[j].TVL {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].TVL > out[j].TVL
	})
	return out
}
