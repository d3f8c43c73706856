// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/lottery/internal/chain"
)

// Config holds all application configuration
type Config struct {
	// Network selection
	Network        string
	LocalNetworks  []string // networks with mocks and a synchronous oracle
	ForkedNetworks []string // forks of live networks: real addresses, local accounts

	// Chain access
	RPCURL       string // empty on a local network = in-process dev chain
	ChainID      int64  // 0 = ask the node
	PrivateKey   string // Hex-encoded, with or without 0x
	AccountKeys  []string
	PollInterval time.Duration

	// Server settings
	Port      string
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Lottery deployment
	EthUSDPrice    string // initial answer of the mock price feed, in USD
	LinkFee        string // LINK paid per randomness request
	LinkFundAmount string // LINK kept on the lottery before endLottery
	KeyHash        string
	Randomness     string // value delivered by the oracle simulator

	// Live network addresses
	PriceFeedAddress      string
	VRFCoordinatorAddress string
	LinkTokenAddress      string
	LotteryAddress        string

	// Compilation
	SolcBin      string
	ArtifactsDir string
}

// Defaults
const (
	DefaultNetwork        = "development"
	DefaultLocalNetworks  = "development,ganache-local,hardhat"
	DefaultForkedNetworks = "mainnet-fork,mainnet-fork-dev"
	DefaultPort           = "8080"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultEthUSDPrice    = "2000"
	DefaultLinkFee        = "0.1"
	DefaultLinkFundAmount = "0.1"
	DefaultKeyHash        = "0x2ed0feb3e7fd2022120aa84fab1945545a9f2ffc9076fd6156fa96eaff4c1311"
	DefaultRandomness     = "777"
	DefaultSolcBin        = "solc"
	DefaultArtifactsDir   = "build/contracts"
	DefaultPollInterval   = 2 * time.Second

	// FeedDecimals is the precision of the mock ETH/USD feed.
	FeedDecimals = 8
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Network:               getEnv("NETWORK", DefaultNetwork),
		LocalNetworks:         splitList(getEnv("LOCAL_NETWORKS", DefaultLocalNetworks)),
		ForkedNetworks:        splitList(getEnv("FORKED_NETWORKS", DefaultForkedNetworks)),
		RPCURL:                os.Getenv("RPC_URL"),
		ChainID:               getEnvInt64("CHAIN_ID", 0),
		PrivateKey:            os.Getenv("PRIVATE_KEY"),
		AccountKeys:           splitList(os.Getenv("ACCOUNT_KEYS")),
		PollInterval:          getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		Port:                  getEnv("PORT", DefaultPort),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EthUSDPrice:           getEnv("ETH_USD_PRICE", DefaultEthUSDPrice),
		LinkFee:               getEnv("LINK_FEE", DefaultLinkFee),
		LinkFundAmount:        getEnv("LINK_FUND_AMOUNT", DefaultLinkFundAmount),
		KeyHash:               getEnv("KEY_HASH", DefaultKeyHash),
		Randomness:            getEnv("RANDOMNESS", DefaultRandomness),
		PriceFeedAddress:      os.Getenv("PRICE_FEED_ADDRESS"),
		VRFCoordinatorAddress: os.Getenv("VRF_COORDINATOR_ADDRESS"),
		LinkTokenAddress:      os.Getenv("LINK_TOKEN_ADDRESS"),
		LotteryAddress:        os.Getenv("LOTTERY_ADDRESS"),
		SolcBin:               getEnv("SOLC_BIN", DefaultSolcBin),
		ArtifactsDir:          getEnv("ARTIFACTS_DIR", DefaultArtifactsDir),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("NETWORK is required")
	}

	if !c.UseDevChain() {
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required on network %s", c.Network)
		}
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required on network %s", c.Network)
		}
	}
	for _, key := range c.Keys() {
		k := strings.TrimPrefix(key, "0x")
		if len(k) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if !c.IsLocal() {
		for name, addr := range map[string]string{
			"PRICE_FEED_ADDRESS":      c.PriceFeedAddress,
			"VRF_COORDINATOR_ADDRESS": c.VRFCoordinatorAddress,
			"LINK_TOKEN_ADDRESS":      c.LinkTokenAddress,
		} {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("%s must be a contract address on network %s", name, c.Network)
			}
		}
	}
	if c.LotteryAddress != "" && !common.IsHexAddress(c.LotteryAddress) {
		return fmt.Errorf("LOTTERY_ADDRESS is not an address")
	}

	if _, err := c.KeyHashBytes(); err != nil {
		return err
	}
	for name, amount := range map[string]string{
		"LINK_FEE":         c.LinkFee,
		"LINK_FUND_AMOUNT": c.LinkFundAmount,
		"ETH_USD_PRICE":    c.EthUSDPrice,
	} {
		if _, err := chain.ToWei(amount); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, ok := new(big.Int).SetString(c.Randomness, 10); !ok {
		return fmt.Errorf("RANDOMNESS must be a decimal integer")
	}

	return nil
}

// IsLocal reports whether the network is a local development chain.
func (c *Config) IsLocal() bool {
	return slices.Contains(c.LocalNetworks, c.Network)
}

// IsForked reports whether the network is a local fork of a live network.
func (c *Config) IsForked() bool {
	return slices.Contains(c.ForkedNetworks, c.Network)
}

// SupportsOracleSimulation reports whether randomness callbacks can be
// delivered synchronously by the oracle simulator. Only local networks run
// the VRF coordinator mock.
func (c *Config) SupportsOracleSimulation() bool {
	return c.IsLocal()
}

// UseDevChain reports whether to run the in-process dev chain instead of
// dialing a node.
func (c *Config) UseDevChain() bool {
	return c.IsLocal() && c.RPCURL == ""
}

// Keys returns the signing keys, PRIVATE_KEY first.
func (c *Config) Keys() []string {
	var keys []string
	if c.PrivateKey != "" {
		keys = append(keys, c.PrivateKey)
	}
	return append(keys, c.AccountKeys...)
}

// RPC returns the chain client configuration.
func (c *Config) RPC() chain.RPCConfig {
	return chain.RPCConfig{
		RPCURL:       c.RPCURL,
		ChainID:      c.ChainID,
		PrivateKeys:  c.Keys(),
		PollInterval: c.PollInterval,
	}
}

// KeyHashBytes decodes KEY_HASH.
func (c *Config) KeyHashBytes() ([32]byte, error) {
	raw := strings.TrimPrefix(c.KeyHash, "0x")
	if len(raw) != 64 {
		return [32]byte{}, fmt.Errorf("KEY_HASH must be 32 bytes of hex")
	}
	return common.HexToHash(raw), nil
}

// LinkFeeWei returns LINK_FEE in juels.
func (c *Config) LinkFeeWei() *big.Int {
	return chain.MustToWei(c.LinkFee)
}

// LinkFundWei returns LINK_FUND_AMOUNT in juels.
func (c *Config) LinkFundWei() *big.Int {
	return chain.MustToWei(c.LinkFundAmount)
}

// RandomnessValue returns RANDOMNESS as an integer.
func (c *Config) RandomnessValue() *big.Int {
	v, _ := new(big.Int).SetString(c.Randomness, 10)
	return v
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
