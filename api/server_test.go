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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/relay"
	"github.com/envelop-finance/relayer/settle"
	"github.com/envelop-finance/relayer/storage"
)

type fakeSubmitter struct {
	lastReq relay.SubmitRequest
	sub     *storage.Submission
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, req relay.SubmitRequest) (*storage.Submission, error) {
	f.lastReq = req
	return f.sub, f.err
}

type fakeOracle struct {
	status *core.TxStatus
	err    error
}

func (f *fakeOracle) Lookup(context.Context, string) (*core.TxStatus, error) {
	return f.status, f.err
}

type fakeGate struct {
	lastIntent *settle.Intent
	out        *settle.Outcome
	err        error
}

func (f *fakeGate) Settle(_ context.Context, intent *settle.Intent) (*settle.Outcome, error) {
	f.lastIntent = intent
	return f.out, f.err
}

type fakeStore struct {
	users map[string]*storage.User
	subs  []*storage.Submission
}

func (f *fakeStore) UserByToken(_ context.Context, token string) (*storage.User, error) {
	return f.users[token], nil
}

func (f *fakeStore) SubmissionsByOwner(context.Context, string, int) ([]*storage.Submission, error) {
	return f.subs, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func testServer(gate Gate, submitter Submitter, oracle Oracle) (*Server, *fakeStore) {
	store := &fakeStore{users: map[string]*storage.User{
		"tok-1": {ID: "user-1", WalletAddress: "aleo1owner"},
	}}
	return NewServer(submitter, oracle, gate, store), store
}

func doJSON(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	srv, _ := testServer(&fakeGate{}, &fakeSubmitter{}, &fakeOracle{})

	w := doJSON(t, srv, http.MethodPost, "/relay/submit", "", `{}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/relay/submit", "bogus", `{}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, core.KindUnauthenticated, body.Error)
}

func TestRelaySubmitRoute(t *testing.T) {
	txID := "at1net"
	sub := &fakeSubmitter{sub: &storage.Submission{
		ID: "sub-1", Mode: storage.ModeNetworkSubmit,
		Status: storage.SubmissionAccepted, TxID: &txID,
	}}
	srv, _ := testServer(&fakeGate{}, sub, &fakeOracle{})

	w := doJSON(t, srv, http.MethodPost, "/relay/submit", "tok-1",
		`{"serialized_tx":"{}","client_tx_id":"c1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user-1", sub.lastReq.OwnerUserID)
	require.Equal(t, "c1", sub.lastReq.ClientTxID)

	var resp relaySubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "sub-1", resp.SubmissionID)
	require.Equal(t, "at1net", *resp.TxID)
}

func TestRelayStatusRoute(t *testing.T) {
	oracle := &fakeOracle{status: &core.TxStatus{TxID: "at1x", State: core.TxConfirmed, Raw: "confirmed"}}
	srv, _ := testServer(&fakeGate{}, &fakeSubmitter{}, oracle)

	w := doJSON(t, srv, http.MethodGet, "/relay/status/at1x", "tok-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status core.TxStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, core.TxConfirmed, status.State)
}

// Unreachable status endpoints surface as an unknown snapshot, which the
// route serves as 200: the caller keeps polling, exactly as for pending.
func TestRelayStatusUnknownServedAsPending(t *testing.T) {
	oracle := &fakeOracle{
		status: &core.TxStatus{TxID: "at1x", State: core.TxUnknown, Raw: "unreachable"},
		err:    core.NewError(core.KindUpstreamError, "all status endpoints failed"),
	}
	srv, _ := testServer(&fakeGate{}, &fakeSubmitter{}, oracle)

	w := doJSON(t, srv, http.MethodGet, "/relay/status/at1x", "tok-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status core.TxStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, core.TxUnknown, status.State)

	// No snapshot at all still surfaces the error.
	srv, _ = testServer(&fakeGate{}, &fakeSubmitter{},
		&fakeOracle{err: core.NewError(core.KindUpstreamError, "boom")})
	w = doJSON(t, srv, http.MethodGet, "/relay/status/at1x", "tok-1", "")
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSwapExecuteBuildsIntent(t *testing.T) {
	gate := &fakeGate{out: &settle.Outcome{
		IntentID: "i1", Feature: core.FeatureSwap,
		Result: core.OutcomeConfirmedSettled, RowID: "swap-1", TxID: "at1aaa",
	}}
	srv, _ := testServer(gate, &fakeSubmitter{}, &fakeOracle{})

	w := doJSON(t, srv, http.MethodPost, "/swap/execute", "tok-1",
		`{"intent_id":"i1","quote_id":"q1","tx_id":"at1aaa"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, core.FeatureSwap, gate.lastIntent.Feature)
	require.Equal(t, "q1", gate.lastIntent.Swap.QuoteID)
	require.Equal(t, "aleo1owner", gate.lastIntent.OwnerWallet)

	var resp settleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "confirmed_settled", resp.Outcome)
}

func TestInvoicePayUsesPathID(t *testing.T) {
	gate := &fakeGate{out: &settle.Outcome{Result: core.OutcomeConfirmedSettled}}
	srv, _ := testServer(gate, &fakeSubmitter{}, &fakeOracle{})

	w := doJSON(t, srv, http.MethodPost, "/invoices/inv-42/pay", "tok-1", `{"tx_id":"at1pay"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "inv-42", gate.lastIntent.Invoice.InvoiceID)
	require.Equal(t, core.FeatureInvoicePay, gate.lastIntent.Feature)
}

func TestYieldSolveRoute(t *testing.T) {
	gate := &fakeGate{out: &settle.Outcome{Result: core.OutcomeConfirmedSettled, TxID: "at1c"}}
	srv, _ := testServer(gate, &fakeSubmitter{}, &fakeOracle{})

	w := doJSON(t, srv, http.MethodPost, "/yield/solve", "tok-1",
		`{"quote_id":"y1","steps":[
			{"tx_id":"at1b","program_id":"envelop_yield.aleo","function":"stake_onchain"},
			{"tx_id":"at1c","program_id":"envelop_yield.aleo","function":"claim_onchain"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, core.FeatureYieldStep, gate.lastIntent.Feature)
	require.Equal(t, "y1", gate.lastIntent.Yield.QuoteID)
	require.Len(t, gate.lastIntent.Yield.Steps, 2)
	require.Equal(t, "at1c", gate.lastIntent.Yield.Steps[1].TxID)
}

func TestPaymentSendParsesEVMPayout(t *testing.T) {
	gate := &fakeGate{out: &settle.Outcome{Result: core.OutcomeConfirmedSettled}}
	srv, _ := testServer(gate, &fakeSubmitter{}, &fakeOracle{})

	w := doJSON(t, srv, http.MethodPost, "/payments/send", "tok-1",
		`{"tx_id":"at1pay","recipient_username":"bob","token":"USDC","amount_atomic":100,
		  "evm_chain_id":11155111,
		  "evm_recipient":"0x00000000000000000000000000000000000000Aa",
		  "evm_amount_wei":"2500"}`)
	require.Equal(t, http.StatusOK, w.Code)
	payout := gate.lastIntent.Payment.Payout
	require.NotNil(t, payout)
	require.Equal(t, uint64(11155111), payout.ChainID)
	require.Equal(t, common.HexToAddress("0xaa"), payout.Recipient)
	require.Equal(t, int64(2500), payout.AmountWei.Int64())

	// A payment without the payout fields carries no payout.
	w = doJSON(t, srv, http.MethodPost, "/payments/send", "tok-1",
		`{"tx_id":"at1pay","recipient_username":"bob","token":"USDC","amount_atomic":100}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, gate.lastIntent.Payment.Payout)
}

func TestPaymentSendRejectsBadEVMPayout(t *testing.T) {
	cases := []string{
		`{"tx_id":"at1pay","token":"USDC","amount_atomic":1,"evm_recipient":"not-an-address","evm_chain_id":1,"evm_amount_wei":"5"}`,
		`{"tx_id":"at1pay","token":"USDC","amount_atomic":1,"evm_recipient":"0x00000000000000000000000000000000000000aa","evm_amount_wei":"5"}`,
		`{"tx_id":"at1pay","token":"USDC","amount_atomic":1,"evm_recipient":"0x00000000000000000000000000000000000000aa","evm_chain_id":1,"evm_amount_wei":"0"}`,
		`{"tx_id":"at1pay","token":"USDC","amount_atomic":1,"evm_recipient":"0x00000000000000000000000000000000000000aa","evm_chain_id":1,"evm_amount_wei":"nope"}`,
	}
	for _, body := range cases {
		srv, _ := testServer(&fakeGate{}, &fakeSubmitter{}, &fakeOracle{})
		w := doJSON(t, srv, http.MethodPost, "/payments/send", "tok-1", body)
		require.Equal(t, http.StatusBadRequest, w.Code, "body %s", body)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind core.ErrorKind
		want int
	}{
		{core.KindInvalidArgument, http.StatusBadRequest},
		{core.KindConflict, http.StatusConflict},
		{core.KindPolicyMismatch, http.StatusUnprocessableEntity},
		{core.KindSignerMismatch, http.StatusUnprocessableEntity},
		{core.KindTimeout, http.StatusGatewayTimeout},
		{core.KindTxFailed, http.StatusBadGateway},
		{core.KindRelayNotConfigured, http.StatusServiceUnavailable},
		{core.KindStorageError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		gate := &fakeGate{err: core.NewError(tc.kind, "boom")}
		srv, _ := testServer(gate, &fakeSubmitter{}, &fakeOracle{})
		w := doJSON(t, srv, http.MethodPost, "/swap/execute", "tok-1",
			`{"quote_id":"q1","tx_id":"at1aaa"}`)
		require.Equal(t, tc.want, w.Code, "kind %s", tc.kind)
		var body errorBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, tc.kind, body.Error)
	}
}

func TestErrorBodyCarriesTxState(t *testing.T) {
	gate := &fakeGate{err: core.TxError(core.KindTimeout, core.TxPending, "still pending")}
	srv, _ := testServer(gate, &fakeSubmitter{}, &fakeOracle{})

	w := doJSON(t, srv, http.MethodPost, "/swap/execute", "tok-1",
		`{"quote_id":"q1","tx_id":"at1slow"}`)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, core.TxPending, body.TxState)
}

func TestHealthRoute(t *testing.T) {
	srv, _ := testServer(&fakeGate{}, &fakeSubmitter{}, &fakeOracle{})
	w := doJSON(t, srv, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestListSubmissions(t *testing.T) {
	srv, store := testServer(&fakeGate{}, &fakeSubmitter{}, &fakeOracle{})
	txID := "at1a"
	store.subs = []*storage.Submission{
		{ID: "s1", Mode: storage.ModeRegisterOnly, Status: storage.SubmissionAccepted, TxID: &txID},
	}

	w := doJSON(t, srv, http.MethodGet, "/relay/submissions", "tok-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Submissions []relaySubmitResponse `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Submissions, 1)
	require.Equal(t, "s1", resp.Submissions[0].SubmissionID)
}

func TestRejectsUnknownFields(t *testing.T) {
	srv, _ := testServer(&fakeGate{}, &fakeSubmitter{}, &fakeOracle{})
	w := doJSON(t, srv, http.MethodPost, "/swap/execute", "tok-1",
		`{"quote_id":"q1","tx_id":"at1aaa","bogus":true}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
