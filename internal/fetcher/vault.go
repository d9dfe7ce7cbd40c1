package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc4626ABIJSON = `[
{"inputs":[],"name":"totalAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

	secondsPerYear = 365 * 24 * 3600
)

var erc4626ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// VaultSpec describes one ERC-4626 vault to monitor.
type VaultSpec struct {
	Protocol  string   `mapstructure:"protocol"`
	Asset     string   `mapstructure:"asset"`
	Address   string   `mapstructure:"address"`
	Decimals  int32    `mapstructure:"decimals"`
	PriceUSD  float64  `mapstructure:"price_usd"`
	RiskScore *float64 `mapstructure:"risk_score"`
}

// VaultOptions parameterise the on-chain vault source.
type VaultOptions struct {
	RPCURL    string
	Chain     string
	Vaults    []VaultSpec
	Timeout   time.Duration
	APYWindow time.Duration
}

type sharePoint struct {
	price decimal.Decimal
	at    time.Time
}

type vaultHistory struct {
	anchor sharePoint
	latest sharePoint
}

// VaultSource derives TVL and APY for ERC-4626 vaults over Ethereum JSON-RPC.
// APY is annualised share-price growth since an anchor observation, so the
// first poll of a vault yields no reading.
type VaultSource struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	histMux sync.Mutex
	history map[string]*vaultHistory
	now     func() time.Time

	lastMux sync.Mutex
	last    map[string]Reading
}

// NewVaultSource builds a new vault source.
func NewVaultSource(opts VaultOptions, logger zerolog.Logger) *VaultSource {
	if opts.APYWindow <= 0 {
		opts.APYWindow = 24 * time.Hour
	}
	return &VaultSource{
		opts:    opts,
		logger:  logger.With().Str("component", "vault_source").Logger(),
		history: make(map[string]*vaultHistory),
		last:    make(map[string]Reading),
		now:     time.Now,
	}
}

// FetchReadings queries every configured vault. A vault that fails to read
// reports its last good reading; the call fails only when no vault could be
// read.
func (v *VaultSource) FetchReadings(ctx context.Context) ([]Reading, error) {
	if v.opts.RPCURL == "" {
		return nil, &UpstreamFetchError{Source: "vaults", Err: errors.New("ethereum rpc url not configured")}
	}
	if len(v.opts.Vaults) == 0 {
		return nil, &UpstreamFetchError{Source: "vaults", Err: errors.New("no vaults configured")}
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.getClient(ctx)
	if err != nil {
		return nil, &UpstreamFetchError{Source: "vaults", Err: err}
	}

	readings, failed := v.collect(v.opts.Vaults, func(spec VaultSpec) (Reading, bool, error) {
		return v.readVault(ctx, client, spec)
	})

	if failed == len(v.opts.Vaults) {
		return nil, &UpstreamFetchError{Source: "vaults", Err: fmt.Errorf("all %d vault reads failed", failed)}
	}
	return readings, nil
}

// collect reads every vault, substituting the last good reading of a vault
// whose read fails. It returns the readings and the number of failed reads.
func (v *VaultSource) collect(specs []VaultSpec, read func(VaultSpec) (Reading, bool, error)) ([]Reading, int) {
	v.lastMux.Lock()
	defer v.lastMux.Unlock()

	readings := make([]Reading, 0, len(specs))
	failed := 0
	for _, spec := range specs {
		key := strings.ToLower(spec.Address)
		reading, ok, err := read(spec)
		if err != nil {
			failed++
			prev, cached := v.last[key]
			v.logger.Warn().Err(err).Str("vault", spec.Address).Bool("reused", cached).Msg("vault read failed")
			if cached {
				readings = append(readings, prev)
			}
			continue
		}
		if ok {
			v.last[key] = reading
			readings = append(readings, reading)
		}
	}
	return readings, failed
}

func (v *VaultSource) readVault(ctx context.Context, client *ethclient.Client, spec VaultSpec) (Reading, bool, error) {
	if !common.IsHexAddress(spec.Address) {
		return Reading{}, false, fmt.Errorf("invalid vault address %q", spec.Address)
	}
	addr := common.HexToAddress(spec.Address)

	decimals := spec.Decimals
	if decimals <= 0 {
		decimals = 18
	}
	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	totalAssets, err := callUint(ctx, client, addr, "totalAssets")
	if err != nil {
		return Reading{}, false, err
	}
	assetsPerShare, err := callUint(ctx, client, addr, "convertToAssets", oneShare)
	if err != nil {
		return Reading{}, false, err
	}

	priceUSD := decimal.NewFromInt(1)
	if spec.PriceUSD > 0 {
		priceUSD = decimal.NewFromFloat(spec.PriceUSD)
	}
	tvl := decimal.NewFromBigInt(totalAssets, -decimals).Mul(priceUSD)
	sharePrice := decimal.NewFromBigInt(assetsPerShare, -decimals)

	apy, ok := v.observe(spec.Address, sharePrice)
	if !ok {
		v.logger.Debug().Str("vault", spec.Address).Msg("first share price observation; apy pending")
		return Reading{}, false, nil
	}

	return Reading{
		Protocol:  spec.Protocol,
		Asset:     spec.Asset,
		Chain:     v.opts.Chain,
		APY:       apy,
		TVL:       tvl.InexactFloat64(),
		RiskScore: spec.RiskScore,
	}, true, nil
}

// observe records a share price and returns the annualised APY relative to
// the current anchor.
func (v *VaultSource) observe(address string, price decimal.Decimal) (float64, bool) {
	v.histMux.Lock()
	defer v.histMux.Unlock()

	now := v.now()
	key := strings.ToLower(address)
	hist, ok := v.history[key]
	if !ok {
		point := sharePoint{price: price, at: now}
		v.history[key] = &vaultHistory{anchor: point, latest: point}
		return 0, false
	}

	if now.Sub(hist.anchor.at) > v.opts.APYWindow {
		hist.anchor = hist.latest
	}
	hist.latest = sharePoint{price: price, at: now}

	return AnnualizedGrowth(hist.anchor.price, price, now.Sub(hist.anchor.at))
}

// AnnualizedGrowth converts share price growth over elapsed into a compounded
// yearly percentage.
func AnnualizedGrowth(from, to decimal.Decimal, elapsed time.Duration) (float64, bool) {
	if elapsed <= 0 || !from.IsPositive() || !to.IsPositive() {
		return 0, false
	}
	ratio := to.Div(from).InexactFloat64()
	periods := float64(secondsPerYear) / elapsed.Seconds()
	return (math.Pow(ratio, periods) - 1) * 100, true
}

func callUint(ctx context.Context, client *ethclient.Client, addr common.Address, method string, args ...interface{}) (*big.Int, error) {
	payload, err := erc4626ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := erc4626ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}

	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return value, nil
}

func (v *VaultSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}

	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

var _ Source = (*VaultSource)(nil)
