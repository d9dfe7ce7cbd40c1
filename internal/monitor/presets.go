package monitor

import (
	"fmt"
	"sort"
	"time"
)

// Preset is a named bundle of conditions for a common monitoring profile.
type Preset struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Conditions  []ConditionParams `json:"conditions"`
}

func cooldownMs(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

var presets = map[string]Preset{
	"conservative": {
		Name:        "conservative",
		Description: "Large TVL drops, risk increases and collapsing yields",
		Conditions: []ConditionParams{
			{Name: "TVL drop over 20%", Type: TypeTVLChange, RuleParams: RuleParams{ChangePercent: ptr(20)}},
			{Name: "Risk score up 2 points", Type: TypeRiskIncrease, RuleParams: RuleParams{Threshold: ptr(2)}},
			{Name: "APY below 2%", Type: TypeAPYBelow, RuleParams: RuleParams{Threshold: ptr(2)}, CooldownMs: cooldownMs(6 * time.Hour)},
		},
	},
	"yield_hunter": {
		Name:        "yield_hunter",
		Description: "High yields, APY spikes and new low-risk pools",
		Conditions: []ConditionParams{
			{Name: "APY above 15%", Type: TypeAPYAbove, RuleParams: RuleParams{Threshold: ptr(15)}},
			{Name: "APY moved 25%", Type: TypeAPYChange, RuleParams: RuleParams{ChangePercent: ptr(25)}, CooldownMs: cooldownMs(30 * time.Minute)},
			{Name: "New pool above 10%", Type: TypeNewOpportunity, RuleParams: RuleParams{MinAPY: ptr(10), MaxRiskScore: ptr(6)}},
		},
	},
	"risk_watch": {
		Name:        "risk_watch",
		Description: "Risk score movements and sharp TVL swings",
		Conditions: []ConditionParams{
			{Name: "Risk score up 1 point", Type: TypeRiskIncrease, RuleParams: RuleParams{Threshold: ptr(1)}, CooldownMs: cooldownMs(30 * time.Minute)},
			{Name: "Risk score down 2 points", Type: TypeRiskDecrease, RuleParams: RuleParams{Threshold: ptr(2)}},
			{Name: "TVL moved 10%", Type: TypeTVLChange, RuleParams: RuleParams{ChangePercent: ptr(10)}, CooldownMs: cooldownMs(30 * time.Minute)},
		},
	},
	"stablecoin": {
		Name:        "stablecoin",
		Description: "Yield and depth of USDC and USDT pools",
		Conditions: []ConditionParams{
			{Name: "USDC APY above 8%", Type: TypeAPYAbove, Asset: "USDC", RuleParams: RuleParams{Threshold: ptr(8)}},
			{Name: "USDT APY above 8%", Type: TypeAPYAbove, Asset: "USDT", RuleParams: RuleParams{Threshold: ptr(8)}},
			{Name: "USDC APY below 3%", Type: TypeAPYBelow, Asset: "USDC", RuleParams: RuleParams{Threshold: ptr(3)}},
			{Name: "USDC TVL moved 15%", Type: TypeTVLChange, Asset: "USDC", RuleParams: RuleParams{ChangePercent: ptr(15)}},
		},
	},
}

// PresetNames lists the available presets in name order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Presets returns every preset in name order.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, name := range PresetNames() {
		p, _ := LookupPreset(name)
		out = append(out, p)
	}
	return out
}

// LookupPreset returns a copy of the named preset.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, &ValidationError{
			Field:   "preset",
			Message: fmt.Sprintf("unknown preset %q", name),
			Valid:   PresetNames(),
		}
	}
	p.Conditions = append([]ConditionParams(nil), p.Conditions...)
	return p, nil
}
