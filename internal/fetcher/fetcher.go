package fetcher

import (
	"context"
	"fmt"
	"strings"
)

// Reading is one observation of a monitored yield position.
type Reading struct {
	Protocol  string   `json:"protocol"`
	Asset     string   `json:"asset"`
	Chain     string   `json:"chain,omitempty"`
	APY       float64  `json:"apy"`
	TVL       float64  `json:"tvl"`
	RiskScore *float64 `json:"riskScore,omitempty"`
}

// Key identifies the entity a reading belongs to.
func (r Reading) Key() Key {
	return Key{Protocol: r.Protocol, Asset: r.Asset}
}

// Key is the (protocol, asset) pair a snapshot value is stored under.
type Key struct {
	Protocol string
	Asset    string
}

// String returns the canonical, case-folded form used as a map key.
func (k Key) String() string {
	return strings.ToLower(k.Protocol) + ":" + strings.ToLower(k.Asset)
}

// Source retrieves the current set of yield readings.
type Source interface {
	FetchReadings(ctx context.Context) ([]Reading, error)
}

// UpstreamFetchError reports that a yield source could not be read.
type UpstreamFetchError struct {
	Source string
	Err    error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Source, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

// Float returns a pointer to v, for optional risk scores.
func Float(v float64) *float64 {
	return &v
}
