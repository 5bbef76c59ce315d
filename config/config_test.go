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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database_url: postgres://localhost/relayer
onchain_ledger: true
`))
	require.NoError(t, err)
	require.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	require.Equal(t, PayloadAuto, cfg.RelaySubmitPayloadMode)
	require.Equal(t, 4*time.Second, cfg.PollInterval())
	require.Equal(t, 5*time.Minute, cfg.SettleTimeout())
	require.Equal(t, 2*time.Second, cfg.CacheTTL())
	require.Equal(t, 5, cfg.BatchMaxSize)
	require.Equal(t, 10*time.Second, cfg.BatchMaxWait())
	require.Equal(t, DefaultStatusFallbacks, cfg.StatusEndpoints())
}

// An explicit timeout_ms of zero is honored, not replaced by the default:
// the gate then polls once and times the intent out.
func TestLoadZeroTimeoutIsExplicit(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database_url: postgres://localhost/relayer
timeout_ms: 0
`))
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), cfg.SettleTimeout())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, `
database_url: postgres://localhost/relayer
pol_ms: 1000
`))
	require.Error(t, err)
}

func TestLoadRejectsBadPayloadMode(t *testing.T) {
	_, err := Load(writeConfig(t, `
relay_submit_payload_mode: shrinkwrapped
`))
	require.Error(t, err)
}

func TestLoadRejectsUnknownPolicyFeature(t *testing.T) {
	_, err := Load(writeConfig(t, `
policies:
  teleport:
    program_id: envelop_swap.aleo
    functions: [beam_up]
`))
	require.Error(t, err)
}

func TestLoadRejectsTooManyKeys(t *testing.T) {
	_, err := Load(writeConfig(t, `
evm_chains:
  11155111:
    rpc_url: http://localhost:8545
    private_keys: [aa, bb, cc]
`))
	require.Error(t, err)
}

func TestLoadRejectsChainWithoutRPC(t *testing.T) {
	_, err := Load(writeConfig(t, `
evm_chains:
  11155111:
    private_keys: [aa]
`))
	require.Error(t, err)
}

func TestStatusEndpointsOverrideFirst(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
relay_status_url: https://primary.example/v1
`))
	require.NoError(t, err)
	eps := cfg.StatusEndpoints()
	require.Equal(t, "https://primary.example/v1", eps[0])
	require.Equal(t, append([]string{"https://primary.example/v1"}, DefaultStatusFallbacks...), eps)
}

func TestPolicyConfigRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
tx_enforce_fee_payer_match: true
policies:
  swap:
    program_id: envelop_swap.aleo
    functions: [create_swap_request, settle_swap_onchain]
  identity_claim:
    program_id: envelop_identity.aleo
    functions: [claim_username]
`))
	require.NoError(t, err)
	require.True(t, cfg.TxEnforceFeePayerMatch)
	require.Len(t, cfg.Policies, 2)
	require.Equal(t, "envelop_swap.aleo", cfg.Policies["swap"].ProgramID)
}

func TestChainMultiplierDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
evm_chains:
  11155111:
    rpc_url: http://localhost:8545
    private_keys: [aa]
`))
	require.NoError(t, err)
	chain := cfg.EVMChains[11155111]
	require.Equal(t, 1.0, chain.TipMultiplier)
	require.Equal(t, 1.0, chain.FeeMultiplier)
}
