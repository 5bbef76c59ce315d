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

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/envelop-finance/relayer/config"
	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/storage"
)

const maxBroadcastBody = 1 << 20

// SubmissionStore persists submission records and answers idempotency
// lookups.
type SubmissionStore interface {
	// SubmissionByClientTxID returns the existing record for the
	// (owner, client tx id) pair, or nil when none exists.
	SubmissionByClientTxID(ctx context.Context, ownerUserID, clientTxID string) (*storage.Submission, error)
	InsertSubmission(ctx context.Context, sub *storage.Submission) error
}

// SubmitRequest is one relay submission. Exactly one of SerializedTx and
// TxID must be set.
type SubmitRequest struct {
	OwnerUserID  string
	SerializedTx string
	TxID         string
	ClientTxID   string
}

// SubmitterConfig configures the relay submitter.
type SubmitterConfig struct {
	// BroadcastURL is the endpoint serialized transactions are forwarded to.
	// Empty disables network submission; register-only submissions still work.
	BroadcastURL string
	PayloadMode  config.PayloadMode
	// RequestTimeout bounds the broadcast POST. Broadcast is single-shot:
	// a 5xx is recorded as a failed submission, not retried.
	RequestTimeout time.Duration
}

// Submitter forwards serialized transactions to the broadcast endpoint or
// registers client-supplied tx ids. It never inspects transition semantics
// and never consults the status oracle.
type Submitter struct {
	url    string
	mode   config.PayloadMode
	client *http.Client
	store  SubmissionStore
	log    log.Logger
}

// NewSubmitter creates a relay submitter backed by the given store.
func NewSubmitter(cfg SubmitterConfig, store SubmissionStore) *Submitter {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PayloadMode == "" {
		cfg.PayloadMode = config.PayloadAuto
	}
	return &Submitter{
		url:    cfg.BroadcastURL,
		mode:   cfg.PayloadMode,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		store:  store,
		log:    log.New("component", "relay-submitter"),
	}
}

// Submit processes one submission. When a client tx id is supplied, replays
// of the same (owner, client tx id) pair return the stored record unchanged.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*storage.Submission, error) {
	if (req.SerializedTx == "") == (req.TxID == "") {
		return nil, core.NewError(core.KindInvalidArgument,
			"exactly one of serialized_transaction and tx_id must be provided")
	}
	if req.ClientTxID != "" {
		existing, err := s.store.SubmissionByClientTxID(ctx, req.OwnerUserID, req.ClientTxID)
		if err != nil {
			return nil, core.WrapError(core.KindStorageError, err, "idempotency lookup failed")
		}
		if existing != nil {
			return existing, nil
		}
	}

	sub := &storage.Submission{
		ID:          uuid.NewString(),
		OwnerUserID: req.OwnerUserID,
		CreatedAt:   time.Now().UTC(),
	}
	if req.ClientTxID != "" {
		sub.ClientTxID = &req.ClientTxID
	}

	if req.TxID != "" {
		sub.Mode = storage.ModeRegisterOnly
		sub.Status = storage.SubmissionAccepted
		sub.TxID = &req.TxID
	} else {
		if s.url == "" {
			return nil, core.NewError(core.KindRelayNotConfigured, "no broadcast endpoint configured")
		}
		sub.Mode = storage.ModeNetworkSubmit
		sub.SerializedLen = len(req.SerializedTx)
		if err := s.broadcast(ctx, req.SerializedTx, sub); err != nil {
			return nil, err
		}
	}

	if err := s.store.InsertSubmission(ctx, sub); err != nil {
		// A concurrent submit with the same client tx id may have won the
		// unique index race; surface the winner.
		if core.IsKind(err, core.KindConflict) && req.ClientTxID != "" {
			existing, lookupErr := s.store.SubmissionByClientTxID(ctx, req.OwnerUserID, req.ClientTxID)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, core.WrapError(core.KindStorageError, err, "persist submission")
	}
	return sub, nil
}

// broadcast POSTs the serialized transaction and fills in the outcome on sub.
// Upstream rejection is not an error here: the submission record itself is
// marked failed and returned to the caller.
func (s *Submitter) broadcast(ctx context.Context, serialized string, sub *storage.Submission) error {
	payload, err := s.buildPayload(serialized)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return core.WrapError(core.KindUpstreamError, err, "build broadcast request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return core.WrapError(core.KindUpstreamError, err, "broadcast endpoint unreachable")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBroadcastBody))
	sub.ResponseBlob = json.RawMessage(body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sub.Status = storage.SubmissionFailed
		sub.Note = fmt.Sprintf("broadcast endpoint returned HTTP %d", resp.StatusCode)
		s.log.Warn("Broadcast rejected", "status", resp.StatusCode, "owner", sub.OwnerUserID)
		return nil
	}
	if txID := extractTxID(body); txID != "" {
		sub.Status = storage.SubmissionAccepted
		sub.TxID = &txID
	} else {
		sub.Status = storage.SubmissionFailed
		sub.Note = "broadcast succeeded but no transaction id in response"
	}
	return nil
}

func (s *Submitter) buildPayload(serialized string) ([]byte, error) {
	isJSON := json.Valid([]byte(serialized))
	switch s.mode {
	case config.PayloadRaw:
		if !isJSON {
			return nil, core.NewError(core.KindInvalidArgument,
				"raw payload mode requires a JSON transaction body")
		}
		return []byte(serialized), nil
	case config.PayloadWrapped:
		return wrapPayload(serialized, isJSON)
	default: // auto
		if isJSON {
			return []byte(serialized), nil
		}
		return wrapPayload(serialized, false)
	}
}

func wrapPayload(serialized string, isJSON bool) ([]byte, error) {
	var inner json.RawMessage
	if isJSON {
		inner = json.RawMessage(serialized)
	} else {
		quoted, err := json.Marshal(serialized)
		if err != nil {
			return nil, core.WrapError(core.KindInvalidArgument, err, "encode transaction payload")
		}
		inner = quoted
	}
	return json.Marshal(map[string]json.RawMessage{"transaction": inner})
}

// extractTxID pulls the broadcast-assigned tx id out of the response body.
// Field priority: transactionId, tx_id, id. A bare JSON string body is the
// id itself.
func extractTxID(body []byte) string {
	var asString string
	if err := json.Unmarshal(body, &asString); err == nil {
		return asString
	}
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(body, &asObject); err != nil {
		return ""
	}
	for _, key := range []string{"transactionId", "tx_id", "id"} {
		raw, ok := asObject[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
