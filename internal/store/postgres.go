package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLSTATEs raised when a sum exceeds the uint256 bound on balances and totals.
const (
	pgCheckViolation  = "23514"
	pgNumericOverflow = "22003"
)

// OpenPostgres opens a connection pool. sql.Open does not dial; callers
// should Ping before use.
func OpenPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// RunMigrations applies all pending schema migrations. It is a no-op when the
// schema is current.
func RunMigrations(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Postgres is a Store backed by PostgreSQL. Amounts are NUMERIC(78,0) with a
// CHECK bound of 2^256-1, so overflow surfaces as a constraint violation.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func hexLower(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func (s *Postgres) Reserve(ctx context.Context, r Reservation) error {
	if err := validReservation(r); err != nil {
		return err
	}
	deadline := "0"
	if r.Deadline != nil {
		deadline = r.Deadline.String()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nonces (owner, nonce, state, deposit_id, token, amount, deadline, created_at)
		VALUES ($1, $2, 'reserved', $3, $4, $5, $6, $7)
		ON CONFLICT (owner, nonce) DO NOTHING`,
		hexLower(r.Owner), r.Nonce.String(), r.DepositID, hexLower(r.Token),
		r.Amount.String(), deadline, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNonceReused
	}
	return nil
}

func (s *Postgres) Release(ctx context.Context, r Reservation) error {
	owner, nonce := hexLower(r.Owner), r.Nonce.String()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM nonces
		WHERE owner = $1 AND nonce = $2 AND state = 'reserved' AND deposit_id = $3`,
		owner, nonce, r.DepositID,
	)
	if err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM nonces WHERE owner = $1 AND nonce = $2)`,
		owner, nonce,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrNotReserved
	}
	return nil
}

func (s *Postgres) RecordBroadcast(ctx context.Context, r Reservation, txHash common.Hash) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nonces SET tx_hash = $4
		WHERE owner = $1 AND nonce = $2 AND state = 'reserved' AND deposit_id = $3`,
		hexLower(r.Owner), r.Nonce.String(), r.DepositID, txHash.Hex(),
	)
	if err != nil {
		return fmt.Errorf("record broadcast: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (s *Postgres) Consume(ctx context.Context, signer common.Address, nonce *big.Int) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nonces (owner, nonce, state) VALUES ($1, $2, 'consumed')
		ON CONFLICT (owner, nonce) DO NOTHING`,
		hexLower(signer), nonce.String(),
	)
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNonceReused
	}
	return nil
}

func (s *Postgres) Consumed(ctx context.Context, signer common.Address, nonce *big.Int) (bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM nonces WHERE owner = $1 AND nonce = $2`,
		hexLower(signer), nonce.String(),
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state == "consumed", nil
}

func (s *Postgres) Pending(ctx context.Context) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deposit_id, owner, token, amount, nonce, deadline, created_at, tx_hash
		FROM nonces WHERE state = 'reserved'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var (
			r                       Reservation
			owner, token            string
			amount, nonce, deadline string
			txHash                  string
		)
		if err := rows.Scan(&r.DepositID, &owner, &token, &amount, &nonce, &deadline, &r.CreatedAt, &txHash); err != nil {
			return nil, err
		}
		r.TxHash = common.HexToHash(txHash)
		r.Owner = common.HexToAddress(owner)
		r.Token = common.HexToAddress(token)
		if r.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if r.Nonce, err = parseAmount(nonce); err != nil {
			return nil, err
		}
		if r.Deadline, err = parseAmount(deadline); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) Commit(ctx context.Context, r Reservation, txHash common.Hash) (*Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	owner, nonce := hexLower(r.Owner), r.Nonce.String()
	var state, depositID, token, amount, heldHash string
	err = tx.QueryRowContext(ctx, `
		SELECT state, deposit_id, token, amount, tx_hash FROM nonces
		WHERE owner = $1 AND nonce = $2
		FOR UPDATE`,
		owner, nonce,
	).Scan(&state, &depositID, &token, &amount, &heldHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotReserved
	}
	if err != nil {
		return nil, fmt.Errorf("lock nonce: %w", err)
	}
	if depositID != r.DepositID {
		return nil, ErrNotReserved
	}
	if state == "consumed" {
		return s.Receipt(ctx, r.DepositID)
	}

	held, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	if txHash == (common.Hash{}) {
		txHash = common.HexToHash(heldHash)
	}

	var balance string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO balances (owner, token, amount) VALUES ($1, $2, $3)
		ON CONFLICT (owner, token) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
		RETURNING amount`,
		owner, token, amount,
	).Scan(&balance)
	if err != nil {
		return nil, mapOverflow(err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_totals (token, amount) VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET amount = token_totals.amount + EXCLUDED.amount`,
		token, amount,
	)
	if err != nil {
		return nil, mapOverflow(err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE nonces SET state = 'consumed' WHERE owner = $1 AND nonce = $2`,
		owner, nonce,
	); err != nil {
		return nil, fmt.Errorf("consume nonce: %w", err)
	}

	newBal, err := parseAmount(balance)
	if err != nil {
		return nil, err
	}
	rc := &Receipt{
		DepositID:  depositID,
		Owner:      common.HexToAddress(owner),
		Token:      common.HexToAddress(token),
		Amount:     held,
		Nonce:      new(big.Int).Set(r.Nonce),
		TxHash:     txHash,
		Balance:    newBal,
		CreditedAt: s.now().Unix(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (deposit_id, owner, token, amount, nonce, tx_hash, balance, credited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rc.DepositID, owner, token, amount, nonce, rc.TxHash.Hex(), balance, rc.CreditedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deposit: %w", err)
	}
	return rc, nil
}

func (s *Postgres) Credit(ctx context.Context, user, token common.Address, amount *big.Int) (*big.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var balance string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO balances (owner, token, amount) VALUES ($1, $2, $3)
		ON CONFLICT (owner, token) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
		RETURNING amount`,
		hexLower(user), hexLower(token), amount.String(),
	).Scan(&balance)
	if err != nil {
		return nil, mapOverflow(err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_totals (token, amount) VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET amount = token_totals.amount + EXCLUDED.amount`,
		hexLower(token), amount.String(),
	)
	if err != nil {
		return nil, mapOverflow(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return parseAmount(balance)
}

func (s *Postgres) Balance(ctx context.Context, user, token common.Address) (*big.Int, error) {
	return s.queryAmount(ctx,
		`SELECT amount FROM balances WHERE owner = $1 AND token = $2`,
		hexLower(user), hexLower(token))
}

func (s *Postgres) Total(ctx context.Context, token common.Address) (*big.Int, error) {
	return s.queryAmount(ctx,
		`SELECT amount FROM token_totals WHERE token = $1`, hexLower(token))
}

func (s *Postgres) Tokens(ctx context.Context) ([]common.Address, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM token_totals ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	var out []common.Address
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		out = append(out, common.HexToAddress(token))
	}
	return out, rows.Err()
}

func (s *Postgres) Receipt(ctx context.Context, depositID string) (*Receipt, error) {
	var (
		rc                     Receipt
		owner, token, txHash   string
		amount, nonce, balance string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, token, amount, nonce, tx_hash, balance, credited_at
		FROM receipts WHERE deposit_id = $1`, depositID,
	).Scan(&owner, &token, &amount, &nonce, &txHash, &balance, &rc.CreditedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rc.DepositID = depositID
	rc.Owner = common.HexToAddress(owner)
	rc.Token = common.HexToAddress(token)
	rc.TxHash = common.HexToHash(txHash)
	if rc.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	if rc.Nonce, err = parseAmount(nonce); err != nil {
		return nil, err
	}
	if rc.Balance, err = parseAmount(balance); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *Postgres) queryAmount(ctx context.Context, query string, args ...any) (*big.Int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(raw)
}

func mapOverflow(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgCheckViolation, pgNumericOverflow:
			return ErrBalanceOverflow
		}
	}
	return err
}
