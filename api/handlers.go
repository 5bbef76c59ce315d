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

package api

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/metrics"
	"github.com/envelop-finance/relayer/relay"
	"github.com/envelop-finance/relayer/settle"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type relaySubmitRequest struct {
	SerializedTx string `json:"serialized_tx,omitempty"`
	TxID         string `json:"tx_id,omitempty"`
	ClientTxID   string `json:"client_tx_id,omitempty"`
}

type relaySubmitResponse struct {
	SubmissionID string  `json:"submission_id"`
	Mode         string  `json:"mode"`
	Status       string  `json:"status"`
	TxID         *string `json:"tx_id,omitempty"`
	Note         string  `json:"note,omitempty"`
}

func (s *Server) handleRelaySubmit(w http.ResponseWriter, r *http.Request) {
	var req relaySubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.submitter.Submit(r.Context(), relay.SubmitRequest{
		OwnerUserID:  requestUser(r).ID,
		SerializedTx: req.SerializedTx,
		TxID:         req.TxID,
		ClientTxID:   req.ClientTxID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.Submissions.WithLabelValues(sub.Mode, sub.Status).Inc()
	s.writeJSON(w, http.StatusOK, relaySubmitResponse{
		SubmissionID: sub.ID,
		Mode:         sub.Mode,
		Status:       sub.Status,
		TxID:         sub.TxID,
		Note:         sub.Note,
	})
}

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["tx_id"]
	status, err := s.oracle.Lookup(r.Context(), txID)
	if err != nil {
		// An unknown snapshot means the endpoints were unreachable; the
		// caller keeps polling, so it reads as 200 like pending.
		if status != nil && !status.State.Terminal() {
			s.writeJSON(w, http.StatusOK, status)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRelaySubmissions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	subs, err := s.store.SubmissionsByOwner(r.Context(), requestUser(r).ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]relaySubmitResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, relaySubmitResponse{
			SubmissionID: sub.ID,
			Mode:         sub.Mode,
			Status:       sub.Status,
			TxID:         sub.TxID,
			Note:         sub.Note,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"submissions": out})
}

type settleResponse struct {
	IntentID string `json:"intent_id"`
	Outcome  string `json:"outcome"`
	RowID    string `json:"row_id,omitempty"`
	TxID     string `json:"tx_id,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// settleIntent runs one intent through the gate and writes the outcome.
func (s *Server) settleIntent(w http.ResponseWriter, r *http.Request, intent *settle.Intent) {
	out, err := s.gate.Settle(r.Context(), intent)
	if err != nil {
		metrics.SettleOutcomes.WithLabelValues(string(intent.Feature), string(core.KindOf(err))).Inc()
		s.writeError(w, err)
		return
	}
	metrics.SettleOutcomes.WithLabelValues(string(intent.Feature), string(out.Result)).Inc()
	s.writeJSON(w, http.StatusOK, settleResponse{
		IntentID: out.IntentID,
		Outcome:  string(out.Result),
		RowID:    out.RowID,
		TxID:     out.TxID,
		Replayed: out.Replayed,
	})
}

// baseIntent fills the fields every feature route shares. A missing intent id
// gets a fresh one; callers that want replay protection supply their own.
func baseIntent(r *http.Request, feature core.FeatureKind, intentID, txID string) *settle.Intent {
	if intentID == "" {
		intentID = uuid.NewString()
	}
	user := requestUser(r)
	return &settle.Intent{
		ID:          intentID,
		Feature:     feature,
		OwnerUserID: user.ID,
		OwnerWallet: user.WalletAddress,
		TxID:        txID,
	}
}

type swapExecuteRequest struct {
	IntentID string `json:"intent_id,omitempty"`
	QuoteID  string `json:"quote_id"`
	TxID     string `json:"tx_id"`
}

func (s *Server) handleSwapExecute(w http.ResponseWriter, r *http.Request) {
	var req swapExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	intent := baseIntent(r, core.FeatureSwap, req.IntentID, req.TxID)
	intent.Swap = &settle.SwapIntent{QuoteID: req.QuoteID}
	s.settleIntent(w, r, intent)
}

type paymentSendRequest struct {
	IntentID          string `json:"intent_id,omitempty"`
	TxID              string `json:"tx_id"`
	RecipientUsername string `json:"recipient_username,omitempty"`
	RecipientPhone    string `json:"recipient_phone,omitempty"`
	RecipientAddress  string `json:"recipient_address,omitempty"`
	Token             string `json:"token"`
	AmountAtomic      uint64 `json:"amount_atomic"`
	// CreateOnly records the payment without settling balances.
	CreateOnly bool `json:"create_only,omitempty"`
	// EVM payout leg, dispatched through the batching queue once the
	// payment settles. All three fields travel together.
	EVMChainID   uint64 `json:"evm_chain_id,omitempty"`
	EVMRecipient string `json:"evm_recipient,omitempty"`
	EVMAmountWei string `json:"evm_amount_wei,omitempty"`
}

func (s *Server) handlePaymentSend(w http.ResponseWriter, r *http.Request) {
	var req paymentSendRequest
	if !s.decode(w, r, &req) {
		return
	}
	feature := core.FeaturePaymentSettle
	if req.CreateOnly {
		feature = core.FeaturePaymentCreate
	}
	intent := baseIntent(r, feature, req.IntentID, req.TxID)
	intent.Payment = &settle.PaymentIntent{
		RecipientUsername: req.RecipientUsername,
		RecipientPhone:    req.RecipientPhone,
		RecipientAddress:  req.RecipientAddress,
		Token:             req.Token,
		AmountAtomic:      req.AmountAtomic,
	}
	if req.EVMRecipient != "" || req.EVMChainID != 0 || req.EVMAmountWei != "" {
		payout, err := parseEVMPayout(req.EVMChainID, req.EVMRecipient, req.EVMAmountWei)
		if err != nil {
			s.writeError(w, err)
			return
		}
		intent.Payment.Payout = payout
	}
	s.settleIntent(w, r, intent)
}

func parseEVMPayout(chainID uint64, recipient, amountWei string) (*settle.EVMPayout, error) {
	if chainID == 0 {
		return nil, core.NewError(core.KindInvalidArgument, "evm_chain_id is required for an EVM payout")
	}
	if !common.IsHexAddress(recipient) {
		return nil, core.NewError(core.KindInvalidArgument, "evm_recipient must be a 0x hex address")
	}
	amount, ok := new(big.Int).SetString(amountWei, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, core.NewError(core.KindInvalidArgument, "evm_amount_wei must be a positive decimal")
	}
	return &settle.EVMPayout{
		ChainID:   chainID,
		Recipient: common.HexToAddress(recipient),
		AmountWei: amount,
	}, nil
}

type invoiceCreateRequest struct {
	IntentID          string `json:"intent_id,omitempty"`
	TxID              string `json:"tx_id"`
	Token             string `json:"token"`
	AmountAtomic      uint64 `json:"amount_atomic"`
	RecipientUsername string `json:"recipient_username,omitempty"`
}

func (s *Server) handleInvoiceCreate(w http.ResponseWriter, r *http.Request) {
	var req invoiceCreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	intent := baseIntent(r, core.FeatureInvoiceCreate, req.IntentID, req.TxID)
	intent.Invoice = &settle.InvoiceIntent{
		Token:             req.Token,
		AmountAtomic:      req.AmountAtomic,
		RecipientUsername: req.RecipientUsername,
	}
	s.settleIntent(w, r, intent)
}

type invoicePayRequest struct {
	IntentID string `json:"intent_id,omitempty"`
	TxID     string `json:"tx_id"`
}

func (s *Server) handleInvoicePay(w http.ResponseWriter, r *http.Request) {
	var req invoicePayRequest
	if !s.decode(w, r, &req) {
		return
	}
	intent := baseIntent(r, core.FeatureInvoicePay, req.IntentID, req.TxID)
	intent.Invoice = &settle.InvoiceIntent{InvoiceID: mux.Vars(r)["id"]}
	s.settleIntent(w, r, intent)
}

type yieldSolveRequest struct {
	IntentID string `json:"intent_id,omitempty"`
	QuoteID  string `json:"quote_id"`
	Steps    []struct {
		TxID      string `json:"tx_id"`
		ProgramID string `json:"program_id"`
		Function  string `json:"function"`
	} `json:"steps"`
}

func (s *Server) handleYieldSolve(w http.ResponseWriter, r *http.Request) {
	var req yieldSolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	intent := baseIntent(r, core.FeatureYieldStep, req.IntentID, "")
	steps := make([]settle.YieldStep, 0, len(req.Steps))
	for _, st := range req.Steps {
		steps = append(steps, settle.YieldStep{
			TxID:      st.TxID,
			ProgramID: st.ProgramID,
			Function:  st.Function,
		})
	}
	intent.Yield = &settle.YieldIntent{QuoteID: req.QuoteID, Steps: steps}
	s.settleIntent(w, r, intent)
}

type profileClaimRequest struct {
	IntentID    string `json:"intent_id,omitempty"`
	TxID        string `json:"tx_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleProfileClaim(w http.ResponseWriter, r *http.Request) {
	var req profileClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	intent := baseIntent(r, core.FeatureIdentityClaim, req.IntentID, req.TxID)
	intent.Identity = &settle.IdentityIntent{
		Username:    req.Username,
		DisplayName: req.DisplayName,
	}
	s.settleIntent(w, r, intent)
}
