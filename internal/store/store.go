// Package store persists the vault's consumed-nonce registry and its
// per-user, per-token deposit ledger.
//
// A deposit's nonce goes absent → reserved → consumed. Reserve is the only
// way in, Release the only way back out, and Commit consumes the nonce and
// credits the ledger in one transaction, so a nonce is never burned without
// the matching credit.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

var (
	ErrNonceReused         = errors.New("nonce already used")
	ErrNotReserved         = errors.New("nonce not reserved by this deposit")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
)

// Reservation is a nonce held by an in-flight deposit. It carries everything
// needed to finish or undo the deposit after a crash.
type Reservation struct {
	DepositID string         `json:"deposit_id"`
	Owner     common.Address `json:"owner"`
	Token     common.Address `json:"token"`
	Amount    *big.Int       `json:"amount"`
	Nonce     *big.Int       `json:"nonce"`
	Deadline  *big.Int       `json:"deadline"`
	CreatedAt int64          `json:"created_at"`
	// TxHash is the pull transaction once it has been signed, zero before.
	TxHash common.Hash `json:"tx_hash"`
}

// Receipt records a credited deposit.
type Receipt struct {
	DepositID  string         `json:"deposit_id"`
	Owner      common.Address `json:"owner"`
	Token      common.Address `json:"token"`
	Amount     *big.Int       `json:"amount"`
	Nonce      *big.Int       `json:"nonce"`
	TxHash     common.Hash    `json:"tx_hash"`
	Balance    *big.Int       `json:"balance"`
	CreditedAt int64          `json:"credited_at"`
}

// NonceRegistry tracks which (signer, nonce) pairs have been spent.
type NonceRegistry interface {
	// Reserve atomically moves the nonce from absent to reserved.
	// It fails with ErrNonceReused if the nonce is reserved or consumed.
	Reserve(ctx context.Context, r Reservation) error
	// Release returns a reserved nonce to absent. Releasing a nonce that is
	// already absent is a no-op; one held by another deposit or consumed
	// fails with ErrNotReserved.
	Release(ctx context.Context, r Reservation) error
	// RecordBroadcast stores the signed pull tx hash on a reservation still
	// held by r.DepositID, otherwise it fails with ErrNotReserved.
	RecordBroadcast(ctx context.Context, r Reservation, txHash common.Hash) error
	// Consume moves an absent nonce straight to consumed.
	Consume(ctx context.Context, signer common.Address, nonce *big.Int) error
	Consumed(ctx context.Context, signer common.Address, nonce *big.Int) (bool, error)
	// Pending lists reservations that were neither committed nor released.
	Pending(ctx context.Context) ([]Reservation, error)
}

// Ledger is the per-(user, token) balance book.
type Ledger interface {
	// Credit adds amount, failing closed with ErrBalanceOverflow past 2^256-1.
	Credit(ctx context.Context, user, token common.Address, amount *big.Int) (*big.Int, error)
	// Balance is zero for unknown pairs.
	Balance(ctx context.Context, user, token common.Address) (*big.Int, error)
	// Total is the sum of all balances of token.
	Total(ctx context.Context, token common.Address) (*big.Int, error)
	Tokens(ctx context.Context) ([]common.Address, error)
}

// Store is a NonceRegistry and Ledger that can settle a deposit atomically.
type Store interface {
	NonceRegistry
	Ledger

	// Commit consumes the reservation's nonce, credits Owner with Amount of
	// Token, and stores a receipt, all or nothing. A zero txHash falls back
	// to the hash recorded by RecordBroadcast. Committing an already
	// committed reservation returns its receipt without crediting twice.
	Commit(ctx context.Context, r Reservation, txHash common.Hash) (*Receipt, error)
	Receipt(ctx context.Context, depositID string) (*Receipt, error)
}

// addUint256 returns a+b, or ErrBalanceOverflow if it does not fit a uint256.
func addUint256(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if sum.Cmp(math.MaxBig256) > 0 {
		return nil, ErrBalanceOverflow
	}
	return sum, nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("store: amount must be positive")
	}
	return nil
}

func validReservation(r Reservation) error {
	switch {
	case r.DepositID == "":
		return fmt.Errorf("store: reservation without deposit id")
	case r.Nonce == nil || r.Nonce.Sign() < 0:
		return fmt.Errorf("store: reservation without nonce")
	}
	return validAmount(r.Amount)
}

// nonceID is the canonical (signer, nonce) key shared by all backends.
func nonceID(signer common.Address, nonce *big.Int) string {
	return strings.ToLower(signer.Hex()) + ":" + nonce.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("store: corrupt amount %q", s)
	}
	return v, nil
}
