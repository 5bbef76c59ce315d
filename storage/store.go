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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/lib/pq"

	"github.com/envelop-finance/relayer/core"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres-backed persistence layer.
type Store struct {
	db  *sql.DB
	log log.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, core.WrapError(core.KindStorageError, err, "open database")
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, core.WrapError(core.KindStorageError, err, "ping database")
	}
	return &Store{db: db, log: log.New("component", "storage")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports connection health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema applies the embedded schema. Every statement is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return core.WrapError(core.KindStorageError, err, "apply schema")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func wrapStorage(err error, op string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return core.WrapError(core.KindConflict, err, "%s", op)
	}
	return core.WrapError(core.KindStorageError, err, "%s", op)
}

// WithTx runs fn inside one database transaction. fn errors roll back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage(err, "begin transaction")
	}
	t := &Tx{tx: dbtx, ctx: ctx}
	if err := fn(t); err != nil {
		if rbErr := dbtx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("Transaction rollback failed", "err", rbErr)
		}
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return wrapStorage(err, "commit transaction")
	}
	return nil
}

// --- relay submission store ---

// InsertSubmission persists one submission record. A duplicate
// (owner, client_tx_id) insert surfaces as a conflict.
func (s *Store) InsertSubmission(ctx context.Context, sub *Submission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, owner_user_id, client_tx_id, mode, status,
			tx_id, serialized_len, response_blob, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.OwnerUserID, sub.ClientTxID, sub.Mode, sub.Status,
		sub.TxID, sub.SerializedLen, nullableBlob(sub.ResponseBlob), sub.Note, sub.CreatedAt)
	return wrapStorage(err, "insert submission")
}

// SubmissionByClientTxID returns the record for (owner, client tx id), or
// nil when none exists.
func (s *Store) SubmissionByClientTxID(ctx context.Context, ownerUserID, clientTxID string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, client_tx_id, mode, status, tx_id,
			serialized_len, response_blob, note, created_at
		FROM submissions
		WHERE owner_user_id = $1 AND client_tx_id = $2`,
		ownerUserID, clientTxID)
	return scanSubmission(row)
}

// SubmissionsByOwner lists an owner's submissions, newest first.
func (s *Store) SubmissionsByOwner(ctx context.Context, ownerUserID string, limit int) ([]*Submission, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, client_tx_id, mode, status, tx_id,
			serialized_len, response_blob, note, created_at
		FROM submissions
		WHERE owner_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerUserID, limit)
	if err != nil {
		return nil, wrapStorage(err, "list submissions")
	}
	defer rows.Close()
	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, wrapStorage(rows.Err(), "list submissions")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var sub Submission
	var blob []byte
	err := row.Scan(&sub.ID, &sub.OwnerUserID, &sub.ClientTxID, &sub.Mode,
		&sub.Status, &sub.TxID, &sub.SerializedLen, &blob, &sub.Note, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(err, "scan submission")
	}
	sub.ResponseBlob = blob
	return &sub, nil
}

func nullableBlob(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// --- status snapshots ---

// UpsertTxSnapshot records the freshest normalized status for a tx id.
// Last writer wins.
func (s *Store) UpsertTxSnapshot(ctx context.Context, status *core.TxStatus) error {
	var decoded any
	if status.Decoded != nil {
		raw, err := json.Marshal(status.Decoded)
		if err != nil {
			return core.WrapError(core.KindStorageError, err, "encode decoded tx")
		}
		decoded = raw
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tx_status_snapshots (tx_id, normalized_state, raw_state,
			source_endpoint, decoded_tx, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_id) DO UPDATE SET
			normalized_state = EXCLUDED.normalized_state,
			raw_state        = EXCLUDED.raw_state,
			source_endpoint  = EXCLUDED.source_endpoint,
			decoded_tx       = EXCLUDED.decoded_tx,
			fetched_at       = EXCLUDED.fetched_at`,
		status.TxID, string(status.State), status.Raw, status.Source, decoded, status.FetchedAt)
	return wrapStorage(err, "upsert tx snapshot")
}

// --- users and quotes ---

// UserByToken resolves an API bearer token to its user.
func (s *Store) UserByToken(ctx context.Context, token string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE api_token = $1`, token))
}

// UserByID loads one user row.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, id))
}

// InsertUser creates an account row.
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, wallet_address, phone, username, display_name,
			username_claim_tx_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.WalletAddress, u.Phone, u.Username, u.DisplayName,
		u.UsernameClaimTxID, u.CreatedAt)
	return wrapStorage(err, "insert user")
}

// InsertSwapQuote persists a priced quote.
func (s *Store) InsertSwapQuote(ctx context.Context, q *SwapQuote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swap_quotes (id, user_id, token_in, token_out, amount_in,
			amount_out, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		q.ID, q.UserID, q.TokenIn, q.TokenOut, int64(q.AmountIn),
		int64(q.AmountOut), q.ExpiresAt, q.CreatedAt)
	return wrapStorage(err, "insert swap quote")
}

// InsertYieldQuote persists a solved yield plan.
func (s *Store) InsertYieldQuote(ctx context.Context, q *YieldQuote) error {
	steps, err := json.Marshal(q.Steps)
	if err != nil {
		return core.WrapError(core.KindStorageError, err, "encode yield steps")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO yield_quotes (id, user_id, steps, created_at)
		VALUES ($1, $2, $3, $4)`,
		q.ID, q.UserID, steps, q.CreatedAt)
	return wrapStorage(err, "insert yield quote")
}

const userSelect = `
	SELECT id, wallet_address, phone, username, display_name,
		username_claim_tx_id, created_at
	FROM users`

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.WalletAddress, &u.Phone, &u.Username,
		&u.DisplayName, &u.UsernameClaimTxID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(err, "scan user")
	}
	return &u, nil
}

// --- settlement surface ---

// IntentResult returns the stored terminal outcome for an intent id, or nil.
func (s *Store) IntentResult(ctx context.Context, intentID string) (*SettlementResult, error) {
	var res SettlementResult
	err := s.db.QueryRowContext(ctx, `
		SELECT intent_id, feature, tx_id, outcome, row_id, created_at
		FROM settlement_results WHERE intent_id = $1`, intentID).
		Scan(&res.IntentID, &res.Feature, &res.TxID, &res.Outcome, &res.RowID, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(err, "load intent result")
	}
	return &res, nil
}

// InsertLedgerEvent appends one ledger event outside a feature transaction.
func (s *Store) InsertLedgerEvent(ctx context.Context, ev *LedgerEvent) error {
	_, err := s.db.ExecContext(ctx, insertLedgerEventSQL,
		ev.ID, string(ev.Feature), ev.TxID, ev.OwnerUserID, string(ev.Outcome),
		ev.ProgramID, ev.Function, ev.CreatedAt)
	return wrapStorage(err, "insert ledger event")
}

// InsertEVMPayout records the terminal result of one dispatched batch item.
func (s *Store) InsertEVMPayout(ctx context.Context, p *EVMPayout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evm_payouts (request_id, batch_id, chain_id, recipient,
			amount_wei, tx_hash, send_error, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.RequestID, p.BatchID, int64(p.ChainID), p.Recipient, p.AmountWei,
		p.TxHash, p.SendError, p.Success, p.CreatedAt)
	return wrapStorage(err, "insert evm payout")
}

const insertLedgerEventSQL = `
	INSERT INTO settlement_events (id, feature, tx_id, owner_user_id, outcome,
		program_id, function_name, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
