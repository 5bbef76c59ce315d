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

// Package relay talks to the private chain: the status oracle polls explorer
// endpoints for transaction state, and the submitter forwards serialized
// transactions to the broadcast endpoint.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/envelop-finance/relayer/core"
)

const (
	oracleCacheSize       = 4096
	defaultRequestTimeout = 10 * time.Second
	maxStatusBody         = 4 << 20
)

// SnapshotStore persists fetched status snapshots. Optional; a nil store
// disables persistence.
type SnapshotStore interface {
	UpsertTxSnapshot(ctx context.Context, status *core.TxStatus) error
}

// OracleConfig configures a status oracle.
type OracleConfig struct {
	// Endpoints is the ordered endpoint list: configured override first,
	// then fixed fallbacks. The first structured response wins.
	Endpoints []string
	// CacheTTL bounds how long a snapshot is served without refetching.
	CacheTTL time.Duration
	// RequestTimeout bounds each individual endpoint request.
	RequestTimeout time.Duration
	Clock          mclock.Clock
	Snapshots      SnapshotStore
}

// Oracle resolves transaction ids to normalized status snapshots. Lookups
// within the cache TTL are answered from memory; the snapshot cache is
// last-writer-wins per tx id.
type Oracle struct {
	endpoints []string
	client    *http.Client
	cache     *lru.Cache
	ttl       time.Duration
	clock     mclock.Clock
	snapshots SnapshotStore
	log       log.Logger
}

type cacheEntry struct {
	status *core.TxStatus
	at     mclock.AbsTime
}

// NewOracle creates a status oracle. Endpoints must be non-empty.
func NewOracle(cfg OracleConfig) (*Oracle, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("status oracle needs at least one endpoint")
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cache, err := lru.New(oracleCacheSize)
	if err != nil {
		return nil, err
	}
	return &Oracle{
		endpoints: cfg.Endpoints,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		cache:     cache,
		ttl:       cfg.CacheTTL,
		clock:     cfg.Clock,
		snapshots: cfg.Snapshots,
		log:       log.New("component", "status-oracle"),
	}, nil
}

// Lookup resolves the status of a transaction. When every endpoint fails the
// returned status is unknown and the last network error is attached; callers
// must treat unknown as pending, never as confirmed.
func (o *Oracle) Lookup(ctx context.Context, txID string) (*core.TxStatus, error) {
	if cached := o.cached(txID); cached != nil {
		return cached, nil
	}
	var (
		lastErr     error
		notFoundSrc string
	)
	for _, endpoint := range o.endpoints {
		status, err := o.fetch(ctx, endpoint, txID)
		switch {
		case err == nil:
			o.cacheAndPersist(ctx, status)
			return status, nil
		case isNotFound(err):
			// The endpoint answered but has not seen the tx. Remember it and
			// keep trying: a fallback may already have it indexed.
			notFoundSrc = endpoint
		default:
			lastErr = err
			o.log.Debug("Status endpoint failed", "endpoint", endpoint, "tx", txID, "err", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if notFoundSrc != "" {
		status := &core.TxStatus{
			TxID:      txID,
			State:     core.TxPending,
			Raw:       "not_found",
			Source:    notFoundSrc,
			FetchedAt: time.Now().UTC(),
		}
		o.cacheAndPersist(ctx, status)
		return status, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return &core.TxStatus{
		TxID:      txID,
		State:     core.TxUnknown,
		Raw:       "unreachable",
		FetchedAt: time.Now().UTC(),
	}, core.WrapError(core.KindUpstreamError, lastErr, "all status endpoints failed for %s", txID)
}

func (o *Oracle) cached(txID string) *core.TxStatus {
	if o.ttl <= 0 {
		return nil
	}
	v, ok := o.cache.Get(txID)
	if !ok {
		return nil
	}
	entry := v.(*cacheEntry)
	if o.clock.Now() > entry.at.Add(o.ttl) {
		return nil
	}
	return entry.status
}

func (o *Oracle) cacheAndPersist(ctx context.Context, status *core.TxStatus) {
	o.cache.Add(status.TxID, &cacheEntry{status: status, at: o.clock.Now()})
	if o.snapshots == nil {
		return
	}
	if err := o.snapshots.UpsertTxSnapshot(ctx, status); err != nil {
		o.log.Warn("Failed to persist status snapshot", "tx", status.TxID, "err", err)
	}
}

var errTxNotFound = fmt.Errorf("transaction not found")

func isNotFound(err error) bool { return err == errTxNotFound }

func (o *Oracle) fetch(ctx context.Context, endpoint, txID string) (*core.TxStatus, error) {
	u := fmt.Sprintf("%s/transaction/%s", endpoint, url.PathEscape(txID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errTxNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("endpoint %s returned HTTP %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return nil, err
	}
	raw, decoded, err := decodeTransaction(body)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", endpoint, err)
	}
	return &core.TxStatus{
		TxID:      txID,
		State:     NormalizeState(raw),
		Raw:       raw,
		Source:    endpoint,
		FetchedAt: time.Now().UTC(),
		Decoded:   decoded,
	}, nil
}

// Explorer response shapes. Two layouts appear in the wild: a bare
// transaction document, and a {status, transaction: {...}} wrapper around it.
type txDocument struct {
	Status          string          `json:"status"`
	FinalizedStatus string          `json:"finalizedStatus"`
	Type            string          `json:"type"`
	Owner           json.RawMessage `json:"owner"`
	Transaction     *txDocument     `json:"transaction"`
	Execution       *txExecution    `json:"execution"`
	Fee             *txFee          `json:"fee"`
}

type txExecution struct {
	Transitions []txTransition `json:"transitions"`
}

type txFee struct {
	Payer      string        `json:"payer"`
	Transition *txTransition `json:"transition"`
}

type txTransition struct {
	Program  string    `json:"program"`
	Function string    `json:"function"`
	TPK      string    `json:"tpk"`
	Inputs   []txInput `json:"inputs"`
}

type txInput struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func decodeTransaction(body []byte) (string, *core.DecodedTransaction, error) {
	var doc txDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", nil, fmt.Errorf("unstructured status response: %w", err)
	}
	raw := firstNonEmpty(doc.Status, doc.FinalizedStatus, doc.Type)
	inner := &doc
	if doc.Transaction != nil {
		inner = doc.Transaction
		if raw == "" {
			raw = firstNonEmpty(inner.Status, inner.FinalizedStatus, inner.Type)
		}
	}
	decoded := &core.DecodedTransaction{FeePayer: feePayer(&doc, inner)}
	if inner.Execution != nil {
		for _, tr := range inner.Execution.Transitions {
			decoded.Transitions = append(decoded.Transitions, core.Transition{
				ProgramID: tr.Program,
				Function:  tr.Function,
				Inputs:    inputValues(tr.Inputs),
			})
		}
	}
	if len(decoded.Transitions) > 0 {
		decoded.ProgramID = decoded.Transitions[0].ProgramID
		decoded.Function = decoded.Transitions[0].Function
	}
	return raw, decoded, nil
}

// feePayer resolves the signer address from the owner field (string or
// {address} object), falling back to the fee transition's declared payer.
func feePayer(outer, inner *txDocument) string {
	for _, raw := range []json.RawMessage{outer.Owner, inner.Owner} {
		if addr := ownerAddress(raw); addr != "" {
			return addr
		}
	}
	for _, fee := range []*txFee{outer.Fee, inner.Fee} {
		if fee != nil && fee.Payer != "" {
			return fee.Payer
		}
	}
	return ""
}

func ownerAddress(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Address
	}
	return ""
}

func inputValues(inputs []txInput) []string {
	if len(inputs) == 0 {
		return nil
	}
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		var s string
		if err := json.Unmarshal(in.Value, &s); err == nil {
			out = append(out, s)
		} else {
			out = append(out, string(in.Value))
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
