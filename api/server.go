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

// Package api exposes the relayer over HTTP. Feature routes translate
// request bodies into settlement intents; everything else is a thin pass
// through to the underlying component.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/metrics"
	"github.com/envelop-finance/relayer/relay"
	"github.com/envelop-finance/relayer/settle"
	"github.com/envelop-finance/relayer/storage"
)

// Submitter accepts relay submissions.
type Submitter interface {
	Submit(ctx context.Context, req relay.SubmitRequest) (*storage.Submission, error)
}

// Oracle resolves transaction status.
type Oracle interface {
	Lookup(ctx context.Context, txID string) (*core.TxStatus, error)
}

// Gate settles intents.
type Gate interface {
	Settle(ctx context.Context, intent *settle.Intent) (*settle.Outcome, error)
}

// Store is the read surface the API needs beyond the components.
type Store interface {
	UserByToken(ctx context.Context, token string) (*storage.User, error)
	SubmissionsByOwner(ctx context.Context, ownerUserID string, limit int) ([]*storage.Submission, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP front of the relayer.
type Server struct {
	submitter Submitter
	oracle    Oracle
	gate      Gate
	store     Store
	router    *mux.Router
	log       log.Logger
}

// NewServer builds the router. All feature routes require a bearer token.
func NewServer(submitter Submitter, oracle Oracle, gate Gate, store Store) *Server {
	s := &Server{
		submitter: submitter,
		oracle:    oracle,
		gate:      gate,
		store:     store,
		router:    mux.NewRouter(),
		log:       log.New("component", "api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.observe)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	authed := s.router.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/relay/submit", s.handleRelaySubmit).Methods(http.MethodPost)
	authed.HandleFunc("/relay/status/{tx_id}", s.handleRelayStatus).Methods(http.MethodGet)
	authed.HandleFunc("/relay/submissions", s.handleRelaySubmissions).Methods(http.MethodGet)
	authed.HandleFunc("/swap/execute", s.handleSwapExecute).Methods(http.MethodPost)
	authed.HandleFunc("/payments/send", s.handlePaymentSend).Methods(http.MethodPost)
	authed.HandleFunc("/invoices", s.handleInvoiceCreate).Methods(http.MethodPost)
	authed.HandleFunc("/invoices/{id}/pay", s.handleInvoicePay).Methods(http.MethodPost)
	authed.HandleFunc("/yield/solve", s.handleYieldSolve).Methods(http.MethodPost)
	authed.HandleFunc("/me/profile", s.handleProfileClaim).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ctxKey int

const userKey ctxKey = iota

// authenticate resolves the bearer token to a user and stores it on the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			s.writeError(w, core.NewError(core.KindUnauthenticated, "missing bearer token"))
			return
		}
		user, err := s.store.UserByToken(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if user == nil {
			s.writeError(w, core.NewError(core.KindUnauthenticated, "unknown token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func requestUser(r *http.Request) *storage.User {
	u, _ := r.Context().Value(userKey).(*storage.User)
	return u
}

// observe records request latency per route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPDuration.WithLabelValues(route, r.Method, strconv.Itoa(sw.code)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, core.WrapError(core.KindInvalidArgument, err, "decode request body"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode response", "err", err)
	}
}
