package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const aggregatorPoolsPath = "/pools"

// AggregatorOptions parameterise the HTTP yield aggregator source.
type AggregatorOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	MinTVL    float64
	Protocols []string
	Chains    []string
}

// Aggregator reads pool yields from a DefiLlama-style REST endpoint.
type Aggregator struct {
	opts      AggregatorOptions
	logger    zerolog.Logger
	client    *http.Client
	baseURL   string
	protocols map[string]struct{}
	chains    map[string]struct{}
}

// NewAggregator constructs an aggregator source.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://yields.llama.fi"
	}

	return &Aggregator{
		opts:      opts,
		logger:    logger.With().Str("component", "aggregator_source").Logger(),
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		protocols: lowerSet(opts.Protocols),
		chains:    lowerSet(opts.Chains),
	}
}

// FetchReadings downloads the pool list and maps it into readings.
func (a *Aggregator) FetchReadings(ctx context.Context) ([]Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+aggregatorPoolsPath, nil)
	if err != nil {
		return nil, &UpstreamFetchError{Source: "aggregator", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "yieldwatch/1.0")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &UpstreamFetchError{Source: "aggregator", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamFetchError{Source: "aggregator", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamFetchError{Source: "aggregator", Err: parseHTTPError(resp.StatusCode, payload)}
	}

	var pools poolsResponse
	if err := json.Unmarshal(payload, &pools); err != nil {
		return nil, &UpstreamFetchError{Source: "aggregator", Err: fmt.Errorf("decode pools: %w", err)}
	}
	if pools.Status != "" && pools.Status != "success" {
		return nil, &UpstreamFetchError{Source: "aggregator", Err: fmt.Errorf("status %q", pools.Status)}
	}

	readings := make([]Reading, 0, len(pools.Data))
	skipped := 0
	for _, pool := range pools.Data {
		if !a.accept(pool) {
			skipped++
			continue
		}
		readings = append(readings, Reading{
			Protocol:  pool.Project,
			Asset:     pool.Symbol,
			Chain:     pool.Chain,
			APY:       pool.APY,
			TVL:       pool.TVLUsd,
			RiskScore: pool.RiskScore,
		})
	}

	a.logger.Debug().Int("pools", len(readings)).Int("skipped", skipped).Msg("aggregator pools fetched")
	return readings, nil
}

func (a *Aggregator) accept(pool poolEntry) bool {
	if pool.Project == "" || pool.Symbol == "" {
		return false
	}
	if a.opts.MinTVL > 0 && pool.TVLUsd < a.opts.MinTVL {
		return false
	}
	if len(a.protocols) > 0 {
		if _, ok := a.protocols[strings.ToLower(pool.Project)]; !ok {
			return false
		}
	}
	if len(a.chains) > 0 {
		if _, ok := a.chains[strings.ToLower(pool.Chain)]; !ok {
			return false
		}
	}
	return true
}

type poolsResponse struct {
	Status string      `json:"status"`
	Data   []poolEntry `json:"data"`
}

type poolEntry struct {
	Pool      string   `json:"pool"`
	Chain     string   `json:"chain"`
	Project   string   `json:"project"`
	Symbol    string   `json:"symbol"`
	TVLUsd    float64  `json:"tvlUsd"`
	APY       float64  `json:"apy"`
	RiskScore *float64 `json:"riskScore"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("aggregator api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("aggregator api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("aggregator api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("aggregator api error (%d)", status)
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

var _ Source = (*Aggregator)(nil)
