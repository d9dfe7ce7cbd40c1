package monitor

import (
	"fmt"
	"math"
)

// ConditionType names a trigger rule.
type ConditionType string

const (
	TypeAPYAbove       ConditionType = "apy_above"
	TypeAPYBelow       ConditionType = "apy_below"
	TypeAPYChange      ConditionType = "apy_change"
	TypeTVLChange      ConditionType = "tvl_change"
	TypeRiskIncrease   ConditionType = "risk_increase"
	TypeRiskDecrease   ConditionType = "risk_decrease"
	TypeNewOpportunity ConditionType = "new_opportunity"
)

var conditionTypes = []ConditionType{
	TypeAPYAbove,
	TypeAPYBelow,
	TypeAPYChange,
	TypeTVLChange,
	TypeRiskIncrease,
	TypeRiskDecrease,
	TypeNewOpportunity,
}

// ValidTypes lists every recognised condition type.
func ValidTypes() []string {
	out := make([]string, len(conditionTypes))
	for i, t := range conditionTypes {
		out[i] = string(t)
	}
	return out
}

// Measurement carries the values that made a rule fire.
type Measurement struct {
	Current       float64
	Previous      *float64
	ChangePercent *float64
}

// Rule is the type-specific part of a condition. The set of implementations
// is closed: one struct per ConditionType.
type Rule interface {
	Type() ConditionType
	Params() RuleParams
	validate() error
	check(cur Observation, prev *Observation) (Measurement, bool)
	severity(m Measurement) Severity
	describe(cur Observation, m Measurement) (title, message string)
}

// RuleParams is the flat parameter set shared by all rule variants.
type RuleParams struct {
	Threshold     *float64 `json:"threshold,omitempty"`
	ChangePercent *float64 `json:"changePercent,omitempty"`
	MinAPY        *float64 `json:"minApy,omitempty"`
	MaxRiskScore  *float64 `json:"maxRiskScore,omitempty"`
}

// BuildRule constructs and validates the rule variant for typ.
func BuildRule(typ ConditionType, p RuleParams) (Rule, error) {
	var rule Rule
	switch typ {
	case TypeAPYAbove:
		if p.Threshold == nil {
			return nil, invalid("threshold", "required for %s", typ)
		}
		rule = APYAbove{Threshold: *p.Threshold}
	case TypeAPYBelow:
		if p.Threshold == nil {
			return nil, invalid("threshold", "required for %s", typ)
		}
		rule = APYBelow{Threshold: *p.Threshold}
	case TypeAPYChange:
		if p.ChangePercent == nil {
			return nil, invalid("changePercent", "required for %s", typ)
		}
		rule = APYChange{ChangePercent: *p.ChangePercent}
	case TypeTVLChange:
		if p.ChangePercent == nil {
			return nil, invalid("changePercent", "required for %s", typ)
		}
		rule = TVLChange{ChangePercent: *p.ChangePercent}
	case TypeRiskIncrease:
		if p.Threshold == nil {
			return nil, invalid("threshold", "required for %s", typ)
		}
		rule = RiskIncrease{Threshold: *p.Threshold}
	case TypeRiskDecrease:
		if p.Threshold == nil {
			return nil, invalid("threshold", "required for %s", typ)
		}
		rule = RiskDecrease{Threshold: *p.Threshold}
	case TypeNewOpportunity:
		minAPY := 0.0
		if p.MinAPY != nil {
			minAPY = *p.MinAPY
		}
		rule = NewOpportunity{MinAPY: minAPY, MaxRiskScore: p.MaxRiskScore}
	default:
		return nil, &ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("unknown condition type %q", typ),
			Valid:   ValidTypes(),
		}
	}
	if err := rule.validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func checkFinite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid(field, "must be a finite number")
	}
	return nil
}

func percentChange(prev, cur float64) (float64, bool) {
	if prev <= 0 {
		return 0, false
	}
	return (cur - prev) / prev * 100, true
}

// APYAbove fires when APY reaches the threshold.
type APYAbove struct{ Threshold float64 }

func (r APYAbove) Type() ConditionType { return TypeAPYAbove }
func (r APYAbove) Params() RuleParams  { return RuleParams{Threshold: ptr(r.Threshold)} }

func (r APYAbove) validate() error {
	if err := checkFinite("threshold", r.Threshold); err != nil {
		return err
	}
	if r.Threshold < 0 {
		return invalid("threshold", "must not be negative")
	}
	return nil
}

func (r APYAbove) check(cur Observation, _ *Observation) (Measurement, bool) {
	return Measurement{Current: cur.APY}, cur.APY >= r.Threshold
}

func (r APYAbove) severity(m Measurement) Severity {
	if r.Threshold <= 0 {
		return SeverityWarning
	}
	ratio := m.Current / r.Threshold
	switch {
	case ratio >= 1.5:
		return SeverityCritical
	case ratio >= 1.1:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (r APYAbove) describe(cur Observation, m Measurement) (string, string) {
	return fmt.Sprintf("High APY: %s %s", cur.Protocol, cur.Asset),
		fmt.Sprintf("%s %s APY is %s, at or above the %s threshold", cur.Protocol, cur.Asset, formatPercent(m.Current), formatPercent(r.Threshold))
}

// APYBelow fires when APY falls to the threshold.
type APYBelow struct{ Threshold float64 }

func (r APYBelow) Type() ConditionType { return TypeAPYBelow }
func (r APYBelow) Params() RuleParams  { return RuleParams{Threshold: ptr(r.Threshold)} }

func (r APYBelow) validate() error {
	if err := checkFinite("threshold", r.Threshold); err != nil {
		return err
	}
	if r.Threshold < 0 {
		return invalid("threshold", "must not be negative")
	}
	return nil
}

func (r APYBelow) check(cur Observation, _ *Observation) (Measurement, bool) {
	return Measurement{Current: cur.APY}, cur.APY <= r.Threshold
}

func (r APYBelow) severity(m Measurement) Severity {
	switch {
	case m.Current <= r.Threshold/2:
		return SeverityCritical
	case m.Current <= r.Threshold*0.9:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (r APYBelow) describe(cur Observation, m Measurement) (string, string) {
	return fmt.Sprintf("Low APY: %s %s", cur.Protocol, cur.Asset),
		fmt.Sprintf("%s %s APY is %s, at or below the %s threshold", cur.Protocol, cur.Asset, formatPercent(m.Current), formatPercent(r.Threshold))
}

// APYChange fires on a relative APY move in either direction.
type APYChange struct{ ChangePercent float64 }

func (r APYChange) Type() ConditionType { return TypeAPYChange }
func (r APYChange) Params() RuleParams  { return RuleParams{ChangePercent: ptr(r.ChangePercent)} }

func (r APYChange) validate() error {
	if err := checkFinite("changePercent", r.ChangePercent); err != nil {
		return err
	}
	if r.ChangePercent <= 0 {
		return invalid("changePercent", "must be greater than zero")
	}
	return nil
}

func (r APYChange) check(cur Observation, prev *Observation) (Measurement, bool) {
	if prev == nil {
		return Measurement{}, false
	}
	change, ok := percentChange(prev.APY, cur.APY)
	if !ok {
		return Measurement{}, false
	}
	m := Measurement{Current: cur.APY, Previous: ptr(prev.APY), ChangePercent: ptr(change)}
	return m, math.Abs(change)+epsilon >= r.ChangePercent
}

func (r APYChange) severity(m Measurement) Severity {
	return scaledSeverity(math.Abs(deref(m.ChangePercent)), r.ChangePercent)
}

func (r APYChange) describe(cur Observation, m Measurement) (string, string) {
	kind := "APY spike"
	if deref(m.ChangePercent) < 0 {
		kind = "APY drop"
	}
	return fmt.Sprintf("%s: %s %s", kind, cur.Protocol, cur.Asset),
		fmt.Sprintf("%s %s APY moved from %s to %s (%s)", cur.Protocol, cur.Asset,
			formatPercent(deref(m.Previous)), formatPercent(m.Current), formatSignedPercent(deref(m.ChangePercent)))
}

// TVLChange fires on a relative TVL move in either direction.
type TVLChange struct{ ChangePercent float64 }

func (r TVLChange) Type() ConditionType { return TypeTVLChange }
func (r TVLChange) Params() RuleParams  { return RuleParams{ChangePercent: ptr(r.ChangePercent)} }

func (r TVLChange) validate() error {
	if err := checkFinite("changePercent", r.ChangePercent); err != nil {
		return err
	}
	if r.ChangePercent <= 0 {
		return invalid("changePercent", "must be greater than zero")
	}
	return nil
}

func (r TVLChange) check(cur Observation, prev *Observation) (Measurement, bool) {
	if prev == nil {
		return Measurement{}, false
	}
	change, ok := percentChange(prev.TVL, cur.TVL)
	if !ok {
		return Measurement{}, false
	}
	m := Measurement{Current: cur.TVL, Previous: ptr(prev.TVL), ChangePercent: ptr(change)}
	return m, math.Abs(change)+epsilon >= r.ChangePercent
}

func (r TVLChange) severity(m Measurement) Severity {
	change := deref(m.ChangePercent)
	switch {
	case change <= -30+epsilon:
		return SeverityCritical
	case math.Abs(change) >= 2*r.ChangePercent:
		return SeverityCritical
	case change < 0:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (r TVLChange) describe(cur Observation, m Measurement) (string, string) {
	kind := "TVL surge"
	if deref(m.ChangePercent) < 0 {
		kind = "TVL drop"
	}
	return fmt.Sprintf("%s: %s %s", kind, cur.Protocol, cur.Asset),
		fmt.Sprintf("%s %s TVL moved from %s to %s (%s)", cur.Protocol, cur.Asset,
			formatUSD(deref(m.Previous)), formatUSD(m.Current), formatSignedPercent(deref(m.ChangePercent)))
}

// RiskIncrease fires when the risk score rises by at least Threshold points.
type RiskIncrease struct{ Threshold float64 }

func (r RiskIncrease) Type() ConditionType { return TypeRiskIncrease }
func (r RiskIncrease) Params() RuleParams  { return RuleParams{Threshold: ptr(r.Threshold)} }

func (r RiskIncrease) validate() error {
	if err := checkFinite("threshold", r.Threshold); err != nil {
		return err
	}
	if r.Threshold <= 0 {
		return invalid("threshold", "must be greater than zero")
	}
	return nil
}

func (r RiskIncrease) check(cur Observation, prev *Observation) (Measurement, bool) {
	if prev == nil || cur.RiskScore == nil || prev.RiskScore == nil {
		return Measurement{}, false
	}
	delta := *cur.RiskScore - *prev.RiskScore
	m := Measurement{Current: *cur.RiskScore, Previous: ptr(*prev.RiskScore)}
	return m, delta >= r.Threshold
}

func (r RiskIncrease) severity(m Measurement) Severity {
	if m.Current-deref(m.Previous) >= 2*r.Threshold {
		return SeverityCritical
	}
	return SeverityWarning
}

func (r RiskIncrease) describe(cur Observation, m Measurement) (string, string) {
	return fmt.Sprintf("Risk increase: %s %s", cur.Protocol, cur.Asset),
		fmt.Sprintf("%s %s risk score rose from %s to %s", cur.Protocol, cur.Asset, formatScore(deref(m.Previous)), formatScore(m.Current))
}

// RiskDecrease fires when the risk score falls by at least Threshold points.
type RiskDecrease struct{ Threshold float64 }

func (r RiskDecrease) Type() ConditionType { return TypeRiskDecrease }
func (r RiskDecrease) Params() RuleParams  { return RuleParams{Threshold: ptr(r.Threshold)} }

func (r RiskDecrease) validate() error {
	if err := checkFinite("threshold", r.Threshold); err != nil {
		return err
	}
	if r.Threshold <= 0 {
		return invalid("threshold", "must be greater than zero")
	}
	return nil
}

func (r RiskDecrease) check(cur Observation, prev *Observation) (Measurement, bool) {
	if prev == nil || cur.RiskScore == nil || prev.RiskScore == nil {
		return Measurement{}, false
	}
	delta := *prev.RiskScore - *cur.RiskScore
	m := Measurement{Current: *cur.RiskScore, Previous: ptr(*prev.RiskScore)}
	return m, delta >= r.Threshold
}

func (r RiskDecrease) severity(Measurement) Severity { return SeverityInfo }

func (r RiskDecrease) describe(cur Observation, m Measurement) (string, string) {
	return fmt.Sprintf("Risk decrease: %s %s", cur.Protocol, cur.Asset),
		fmt.Sprintf("%s %s risk score fell from %s to %s", cur.Protocol, cur.Asset, formatScore(deref(m.Previous)), formatScore(m.Current))
}

// NewOpportunity fires for an entity that was absent from the previous
// snapshot and clears the yield and risk bars.
type NewOpportunity struct {
	MinAPY       float64
	MaxRiskScore *float64
}

func (r NewOpportunity) Type() ConditionType { return TypeNewOpportunity }

func (r NewOpportunity) Params() RuleParams {
	p := RuleParams{MinAPY: ptr(r.MinAPY)}
	if r.MaxRiskScore != nil {
		p.MaxRiskScore = ptr(*r.MaxRiskScore)
	}
	return p
}

func (r NewOpportunity) validate() error {
	if err := checkFinite("minApy", r.MinAPY); err != nil {
		return err
	}
	if r.MinAPY < 0 {
		return invalid("minApy", "must not be negative")
	}
	if r.MaxRiskScore != nil {
		if err := checkFinite("maxRiskScore", *r.MaxRiskScore); err != nil {
			return err
		}
		if *r.MaxRiskScore < 0 {
			return invalid("maxRiskScore", "must not be negative")
		}
	}
	return nil
}

func (r NewOpportunity) check(cur Observation, prev *Observation) (Measurement, bool) {
	if prev != nil {
		return Measurement{}, false
	}
	if cur.APY < r.MinAPY {
		return Measurement{}, false
	}
	if cur.RiskScore != nil && r.MaxRiskScore != nil && *cur.RiskScore > *r.MaxRiskScore {
		return Measurement{}, false
	}
	return Measurement{Current: cur.APY}, true
}

func (r NewOpportunity) severity(m Measurement) Severity {
	if r.MinAPY > 0 && m.Current >= 2*r.MinAPY {
		return SeverityWarning
	}
	return SeverityInfo
}

func (r NewOpportunity) describe(cur Observation, m Measurement) (string, string) {
	return fmt.Sprintf("New opportunity: %s %s", cur.Protocol, cur.Asset),
		fmt.Sprintf("%s %s appeared at %s APY with %s TVL", cur.Protocol, cur.Asset, formatPercent(m.Current), formatUSD(cur.TVL))
}

func scaledSeverity(magnitude, threshold float64) Severity {
	switch {
	case magnitude >= 2*threshold:
		return SeverityCritical
	case magnitude >= 1.5*threshold:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// epsilon absorbs float noise in percent arithmetic so exact boundaries trigger.
const epsilon = 1e-9

func ptr(v float64) *float64 { return &v }

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

var (
	_ Rule = APYAbove{}
	_ Rule = APYBelow{}
	_ Rule = APYChange{}
	_ Rule = TVLChange{}
	_ Rule = RiskIncrease{}
	_ Rule = RiskDecrease{}
	_ Rule = NewOpportunity{}
)
