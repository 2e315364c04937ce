package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sokopesa/bridge/internal/config"
	"github.com/sokopesa/bridge/internal/money"
)

// PostgresStore implements Store using PostgreSQL. Transition runs inside a
// single database transaction with a row lock, so the version check, the
// mutation, and the ledger append commit or roll back together.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(cfg config.StorageConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)

	s := &PostgresStore{db: db, ownsDB: true}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing pool (shared across repositories).
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, ownsDB: false}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			flow TEXT NOT NULL,
			payment_hash TEXT,
			recipient_phone TEXT NOT NULL,
			merchant_code TEXT,
			account_number TEXT,
			kes_amount BIGINT NOT NULL,
			btc_amount BIGINT NOT NULL,
			rate DOUBLE PRECISION NOT NULL,
			fee_kes BIGINT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			quote_expires_at TIMESTAMPTZ NOT NULL,
			lightning_invoice TEXT,
			mpesa_receipt TEXT,
			conversation_id TEXT,
			source_pubkey TEXT,
			failure_reason TEXT,
			failure_detail TEXT,
			risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			idempotency_key TEXT,
			source_ip TEXT,
			user_agent TEXT,
			settled_at TIMESTAMPTZ,
			version BIGINT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS transactions_payment_hash_idx
			ON transactions (payment_hash) WHERE payment_hash IS NOT NULL AND payment_hash <> '';
		CREATE UNIQUE INDEX IF NOT EXISTS transactions_flow_idem_idx
			ON transactions (flow, idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key <> '';
		CREATE INDEX IF NOT EXISTS transactions_state_expiry_idx
			ON transactions (state, quote_expires_at);
		CREATE INDEX IF NOT EXISTS transactions_conversation_idx
			ON transactions (conversation_id) WHERE conversation_id IS NOT NULL AND conversation_id <> '';

		CREATE TABLE IF NOT EXISTS transaction_events (
			tx_id TEXT NOT NULL REFERENCES transactions(id),
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			payload JSONB,
			PRIMARY KEY (tx_id, seq)
		);

		CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			tx_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
			payload JSONB NOT NULL,
			qr_payload TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cursors (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

const txColumns = `id, flow, payment_hash, recipient_phone, merchant_code, account_number,
	kes_amount, btc_amount, rate, fee_kes, state, created_at, updated_at,
	quote_expires_at, lightning_invoice, mpesa_receipt, conversation_id, source_pubkey,
	failure_reason, failure_detail,
	risk_score, idempotency_key, source_ip, user_agent, settled_at, version`

func scanTx(row interface{ Scan(...any) error }) (Transaction, error) {
	var tx Transaction
	var hash, merchant, account, invoice, receipt, conv, pubkey, reason, detail, idem, ip, ua sql.NullString
	var settledAt sql.NullTime

	err := row.Scan(&tx.ID, &tx.Flow, &hash, &tx.RecipientPhone, &merchant, &account,
		&tx.KESAmount, &tx.BTCAmount, &tx.Rate, &tx.FeeKES, &tx.State, &tx.CreatedAt, &tx.UpdatedAt,
		&tx.QuoteExpiresAt, &invoice, &receipt, &conv, &pubkey, &reason, &detail,
		&tx.RiskScore, &idem, &ip, &ua, &settledAt, &tx.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}

	tx.PaymentHash = hash.String
	tx.MerchantCode = merchant.String
	tx.AccountNumber = account.String
	tx.Invoice = invoice.String
	tx.MpesaReceipt = receipt.String
	tx.ConversationID = conv.String
	tx.SourcePubkey = pubkey.String
	tx.FailureReason = FailureReason(reason.String)
	tx.FailureDetail = detail.String
	tx.IdempotencyKey = idem.String
	tx.SourceIP = ip.String
	tx.UserAgent = ua.String
	if settledAt.Valid {
		t := settledAt.Time
		tx.SettledAt = &t
	}
	return tx, nil
}

func (s *PostgresStore) Create(ctx context.Context, tx Transaction) (Transaction, error) {
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Version = 1
	if tx.State == "" {
		tx.State = StatePending
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		tx.ID, tx.Flow, nullable(tx.PaymentHash), tx.RecipientPhone, nullable(tx.MerchantCode), nullable(tx.AccountNumber),
		tx.KESAmount, tx.BTCAmount, tx.Rate, tx.FeeKES, tx.State, tx.CreatedAt, tx.UpdatedAt,
		tx.QuoteExpiresAt, nullable(tx.Invoice), nullable(tx.MpesaReceipt), nullable(tx.ConversationID), nullable(tx.SourcePubkey),
		nullable(string(tx.FailureReason)), nullable(tx.FailureDetail),
		tx.RiskScore, nullable(tx.IdempotencyKey), nullable(tx.SourceIP), nullable(tx.UserAgent), tx.SettledAt, tx.Version)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			switch pqErr.Constraint {
			case "transactions_payment_hash_idx":
				return Transaction{}, ErrDuplicatePaymentHash
			case "transactions_flow_idem_idx":
				return Transaction{}, ErrDuplicateIdempotencyKey
			}
			return Transaction{}, ErrDuplicatePaymentHash
		}
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	raw, _ := json.Marshal(map[string]any{"flow": tx.Flow, "kes_amount": tx.KESAmount})
	if err := appendEventTx(ctx, dbtx, tx.ID, EventCreated, raw, now); err != nil {
		return Transaction{}, err
	}

	if err := dbtx.Commit(); err != nil {
		return Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return tx, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	return scanTx(row)
}

func (s *PostgresStore) GetByPaymentHash(ctx context.Context, hash string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE payment_hash = $1`, hash)
	return scanTx(row)
}

func (s *PostgresStore) GetByPaymentHashPrefix(ctx context.Context, prefix string) (Transaction, error) {
	if len(prefix) < 12 {
		return Transaction{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions
		WHERE payment_hash LIKE $1 || '%' LIMIT 1`, prefix)
	return scanTx(row)
}

func (s *PostgresStore) GetByConversationID(ctx context.Context, conversationID string) (Transaction, error) {
	if conversationID == "" {
		return Transaction{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE conversation_id = $1 LIMIT 1`, conversationID)
	return scanTx(row)
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, flow money.Flow, key string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE flow = $1 AND idempotency_key = $2`, flow, key)
	return scanTx(row)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to State, expectedVersion int64, mutate Mutator, reason string) (Transaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	row := dbtx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	current, err := scanTx(row)
	if err != nil {
		return Transaction{}, err
	}

	if current.State != from || current.Version != expectedVersion {
		return Transaction{}, ErrStaleVersion
	}
	if !CanTransition(from, to) {
		return Transaction{}, ErrIllegalTransition
	}

	next := current
	next.State = to
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return Transaction{}, err
		}
	}
	if err := checkInvariants(&next); err != nil {
		return Transaction{}, err
	}
	if current.PaymentHash != "" && next.PaymentHash != current.PaymentHash {
		return Transaction{}, fmt.Errorf("store: payment_hash is immutable")
	}

	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	res, err := dbtx.ExecContext(ctx, `
		UPDATE transactions SET
			payment_hash = $1, state = $2, updated_at = $3, lightning_invoice = $4,
			mpesa_receipt = $5, conversation_id = $6, source_pubkey = $7,
			failure_reason = $8, failure_detail = $9, risk_score = $10,
			settled_at = $11, version = $12
		WHERE id = $13 AND version = $14`,
		nullable(next.PaymentHash), next.State, next.UpdatedAt, nullable(next.Invoice),
		nullable(next.MpesaReceipt), nullable(next.ConversationID), nullable(next.SourcePubkey),
		nullable(string(next.FailureReason)), nullable(next.FailureDetail), next.RiskScore,
		next.SettledAt, next.Version, id, expectedVersion)
	if err != nil {
		return Transaction{}, fmt.Errorf("update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return Transaction{}, ErrStaleVersion
	}

	if err := appendEventTx(ctx, dbtx, id, EventStateChanged, MarshalStateChange(from, to, reason), next.UpdatedAt); err != nil {
		return Transaction{}, err
	}

	if err := dbtx.Commit(); err != nil {
		return Transaction{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// appendEventTx assigns the next per-tx seq under the caller's row lock.
func appendEventTx(ctx context.Context, dbtx *sql.Tx, txID string, kind EventKind, payload json.RawMessage, at time.Time) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO transaction_events (tx_id, seq, kind, at, payload)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transaction_events WHERE tx_id = $1), $2, $3, $4)`,
		txID, kind, at, []byte(payload))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, txID string, kind EventKind, payload json.RawMessage) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	// Lock the parent row so concurrent appends cannot race on seq.
	var exists string
	if err := dbtx.QueryRowContext(ctx, `SELECT id FROM transactions WHERE id = $1 FOR UPDATE`, txID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if err := appendEventTx(ctx, dbtx, txID, kind, payload, time.Now().UTC()); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *PostgresStore) Events(ctx context.Context, txID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, seq, kind, at, payload FROM transaction_events
		WHERE tx_id = $1 ORDER BY seq`, txID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.TxID, &ev.Seq, &ev.Kind, &ev.At, &payload); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, txID); err != nil {
			return nil, err
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExpiring(ctx context.Context, before time.Time) ([]Transaction, error) {
	return s.list(ctx, `SELECT `+txColumns+` FROM transactions
		WHERE state = $1 AND quote_expires_at < $2 ORDER BY created_at`, StateLightningPending, before)
}

func (s *PostgresStore) ListInStateOlderThan(ctx context.Context, state State, cutoff time.Time) ([]Transaction, error) {
	return s.list(ctx, `SELECT `+txColumns+` FROM transactions
		WHERE state = $1 AND updated_at < $2 ORDER BY created_at`, state, cutoff)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveReceipt(ctx context.Context, r Receipt) error {
	tx, err := s.Get(ctx, r.TxID)
	if err != nil {
		return err
	}
	if tx.State != StateCompleted {
		return ErrIllegalTransition
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, tx_id, payload, qr_payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.TxID, []byte(r.Payload), r.QRPayload, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrReceiptExists
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReceiptByTxID(ctx context.Context, txID string) (Receipt, error) {
	var r Receipt
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tx_id, payload, qr_payload, created_at FROM receipts WHERE tx_id = $1`, txID).
		Scan(&r.ID, &r.TxID, &payload, &r.QRPayload, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, err
	}
	r.Payload = payload
	return r, nil
}

func (s *PostgresStore) GetCursor(ctx context.Context, name string) (uint64, error) {
	var value uint64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, name string, value uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, name, value)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
