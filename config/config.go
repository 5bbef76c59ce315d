// Copyright 2025 The envelop-relayer Authors
// This file is part of the envelop-relayer library.
//
// The envelop-relayer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The envelop-relayer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the envelop-relayer library. If not, see <http://www.gnu.org/licenses/>.

// Package config loads and validates the relayer's YAML configuration. The
// set of knobs is a closed enumeration; unknown keys are rejected so typos
// fail at startup rather than silently falling back to defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PayloadMode selects how the relay submitter wraps serialized transactions
// before forwarding them to the broadcast endpoint.
type PayloadMode string

const (
	PayloadRaw     PayloadMode = "raw"
	PayloadAuto    PayloadMode = "auto"
	PayloadWrapped PayloadMode = "wrapped"
)

// MaxWalletsPerChain caps the signer wallets loaded per EVM chain.
const MaxWalletsPerChain = 2

// Defaults, overridable per-file.
const (
	DefaultPollMS       = 4000
	DefaultTimeoutMS    = 300_000
	DefaultCacheMS      = 2000
	DefaultBatchSize    = 5
	DefaultBatchWaitMS  = 10_000
	DefaultHTTPAddr     = ":8547"
	DefaultRetryCount   = 3
	DefaultRetryBaseMS  = 2000
	DefaultDatabaseVars = "ENVELOP_DATABASE_URL"
)

// PolicyConfig declares the allowed program and functions for one feature.
type PolicyConfig struct {
	ProgramID string   `yaml:"program_id"`
	Functions []string `yaml:"functions"`
}

// EVMChainConfig configures one outbound EVM chain.
type EVMChainConfig struct {
	RPCURL        string   `yaml:"rpc_url"`
	PrivateKeys   []string `yaml:"private_keys"`
	TipMultiplier float64  `yaml:"tip_multiplier"`
	FeeMultiplier float64  `yaml:"fee_multiplier"`
}

// Config is the full relayer configuration.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`

	OnchainLedger                   bool `yaml:"onchain_ledger"`
	IdentityRequireOnchainRecipient bool `yaml:"identity_require_onchain_recipient"`
	TxEnforceFeePayerMatch          bool `yaml:"tx_enforce_fee_payer_match"`

	RelaySubmitURL         string      `yaml:"relay_submit_url"`
	RelaySubmitPayloadMode PayloadMode `yaml:"relay_submit_payload_mode"`
	RelayStatusURL         string      `yaml:"relay_status_url"`
	RelayStatusFallbacks   []string    `yaml:"relay_status_fallbacks"`

	PollMS int64 `yaml:"poll_ms"`
	// TimeoutMS bounds the settlement wait. A pointer keeps an explicit 0
	// (single poll, then timeout) distinct from an absent key (default).
	TimeoutMS *int64 `yaml:"timeout_ms"`
	CacheMS   int64  `yaml:"cache_ms"`

	Policies map[string]PolicyConfig `yaml:"policies"`

	BatchMaxSize   int   `yaml:"batch_max_size"`
	BatchMaxWaitMS int64 `yaml:"batch_max_wait_ms"`

	EVMChains map[uint64]EVMChainConfig `yaml:"evm_chains"`
}

// Default Aleo explorer endpoints tried when the configured status URL is
// absent or unreachable. Order matters.
var DefaultStatusFallbacks = []string{
	"https://api.explorer.provable.com/v1/mainnet",
	"https://mainnet.aleorpc.com",
}

// Load reads, decodes and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := new(Config)
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv(DefaultDatabaseVars)
	}
	if c.RelaySubmitPayloadMode == "" {
		c.RelaySubmitPayloadMode = PayloadAuto
	}
	if len(c.RelayStatusFallbacks) == 0 {
		c.RelayStatusFallbacks = DefaultStatusFallbacks
	}
	if c.PollMS == 0 {
		c.PollMS = DefaultPollMS
	}
	if c.TimeoutMS == nil {
		v := int64(DefaultTimeoutMS)
		c.TimeoutMS = &v
	}
	if c.CacheMS == 0 {
		c.CacheMS = DefaultCacheMS
	}
	if c.BatchMaxSize == 0 {
		c.BatchMaxSize = DefaultBatchSize
	}
	if c.BatchMaxWaitMS == 0 {
		c.BatchMaxWaitMS = DefaultBatchWaitMS
	}
	for id, chain := range c.EVMChains {
		if chain.TipMultiplier == 0 {
			chain.TipMultiplier = 1.0
		}
		if chain.FeeMultiplier == 0 {
			chain.FeeMultiplier = 1.0
		}
		c.EVMChains[id] = chain
	}
}

// Validate rejects configurations outside the closed enumeration.
func (c *Config) Validate() error {
	switch c.RelaySubmitPayloadMode {
	case PayloadRaw, PayloadAuto, PayloadWrapped:
	default:
		return fmt.Errorf("invalid relay_submit_payload_mode %q", c.RelaySubmitPayloadMode)
	}
	if c.PollMS < 0 || (c.TimeoutMS != nil && *c.TimeoutMS < 0) || c.CacheMS < 0 {
		return fmt.Errorf("poll_ms, timeout_ms and cache_ms must be non-negative")
	}
	if c.BatchMaxSize < 1 {
		return fmt.Errorf("batch_max_size must be at least 1")
	}
	for id, chain := range c.EVMChains {
		if chain.RPCURL == "" {
			return fmt.Errorf("evm chain %d: rpc_url is required", id)
		}
		if len(chain.PrivateKeys) == 0 {
			return fmt.Errorf("evm chain %d: at least one private key is required", id)
		}
		if len(chain.PrivateKeys) > MaxWalletsPerChain {
			return fmt.Errorf("evm chain %d: at most %d private keys allowed, got %d",
				id, MaxWalletsPerChain, len(chain.PrivateKeys))
		}
	}
	for name := range c.Policies {
		if !knownFeature(name) {
			return fmt.Errorf("unknown policy feature %q", name)
		}
	}
	return nil
}

// PollInterval returns poll_ms as a duration.
func (c *Config) PollInterval() time.Duration { return time.Duration(c.PollMS) * time.Millisecond }

// SettleTimeout returns timeout_ms as a duration. Zero means the gate polls
// once and times the intent out on a non-terminal answer.
func (c *Config) SettleTimeout() time.Duration {
	return time.Duration(*c.TimeoutMS) * time.Millisecond
}

// CacheTTL returns cache_ms as a duration.
func (c *Config) CacheTTL() time.Duration { return time.Duration(c.CacheMS) * time.Millisecond }

// BatchMaxWait returns batch_max_wait_ms as a duration.
func (c *Config) BatchMaxWait() time.Duration {
	return time.Duration(c.BatchMaxWaitMS) * time.Millisecond
}

// StatusEndpoints returns the ordered status endpoint list: the configured
// override first, then the fixed fallbacks.
func (c *Config) StatusEndpoints() []string {
	if c.RelayStatusURL == "" {
		return c.RelayStatusFallbacks
	}
	out := make([]string, 0, len(c.RelayStatusFallbacks)+1)
	out = append(out, c.RelayStatusURL)
	return append(out, c.RelayStatusFallbacks...)
}

func knownFeature(name string) bool {
	switch name {
	case "swap", "payment_create", "payment_settle", "invoice_create",
		"invoice_pay", "yield_step", "identity_claim":
		return true
	}
	return false
}
