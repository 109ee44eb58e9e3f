package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type nonceState struct {
	consumed    bool
	reservation Reservation
}

type ledgerKey struct {
	user  common.Address
	token common.Address
}

// Memory is a process-local Store guarded by a single mutex. It is used by
// tests and by single-instance deployments that accept losing state on restart.
type Memory struct {
	mu       sync.Mutex
	nonces   map[string]*nonceState
	balances map[ledgerKey]*big.Int
	totals   map[common.Address]*big.Int
	receipts map[string]*Receipt
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		nonces:   make(map[string]*nonceState),
		balances: make(map[ledgerKey]*big.Int),
		totals:   make(map[common.Address]*big.Int),
		receipts: make(map[string]*Receipt),
		now:      time.Now,
	}
}

func (m *Memory) Reserve(_ context.Context, r Reservation) error {
	if err := validReservation(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := nonceID(r.Owner, r.Nonce)
	if _, taken := m.nonces[id]; taken {
		return ErrNonceReused
	}
	m.nonces[id] = &nonceState{reservation: copyReservation(r)}
	return nil
}

func (m *Memory) Release(_ context.Context, r Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := nonceID(r.Owner, r.Nonce)
	st, ok := m.nonces[id]
	if !ok {
		return nil
	}
	if st.consumed || st.reservation.DepositID != r.DepositID {
		return ErrNotReserved
	}
	delete(m.nonces, id)
	return nil
}

func (m *Memory) RecordBroadcast(_ context.Context, r Reservation, txHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.nonces[nonceID(r.Owner, r.Nonce)]
	if !ok || st.consumed || st.reservation.DepositID != r.DepositID {
		return ErrNotReserved
	}
	st.reservation.TxHash = txHash
	return nil
}

func (m *Memory) Consume(_ context.Context, signer common.Address, nonce *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := nonceID(signer, nonce)
	if _, taken := m.nonces[id]; taken {
		return ErrNonceReused
	}
	m.nonces[id] = &nonceState{consumed: true}
	return nil
}

func (m *Memory) Consumed(_ context.Context, signer common.Address, nonce *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.nonces[nonceID(signer, nonce)]
	return ok && st.consumed, nil
}

func (m *Memory) Pending(_ context.Context) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reservation
	for _, st := range m.nonces {
		if !st.consumed {
			out = append(out, copyReservation(st.reservation))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *Memory) Commit(_ context.Context, r Reservation, txHash common.Hash) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := nonceID(r.Owner, r.Nonce)
	st, ok := m.nonces[id]
	if !ok || st.reservation.DepositID != r.DepositID {
		return nil, ErrNotReserved
	}
	if st.consumed {
		if rc, ok := m.receipts[r.DepositID]; ok {
			return copyReceipt(rc), nil
		}
		return nil, ErrNotReserved
	}

	held := st.reservation
	if txHash == (common.Hash{}) {
		txHash = held.TxHash
	}
	newBal, newTotal, err := m.addLocked(held.Owner, held.Token, held.Amount)
	if err != nil {
		return nil, err
	}
	m.balances[ledgerKey{held.Owner, held.Token}] = newBal
	m.totals[held.Token] = newTotal
	st.consumed = true

	rc := &Receipt{
		DepositID:  held.DepositID,
		Owner:      held.Owner,
		Token:      held.Token,
		Amount:     new(big.Int).Set(held.Amount),
		Nonce:      new(big.Int).Set(held.Nonce),
		TxHash:     txHash,
		Balance:    new(big.Int).Set(newBal),
		CreditedAt: m.now().Unix(),
	}
	m.receipts[held.DepositID] = rc
	return copyReceipt(rc), nil
}

func (m *Memory) Credit(_ context.Context, user, token common.Address, amount *big.Int) (*big.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	newBal, newTotal, err := m.addLocked(user, token, amount)
	if err != nil {
		return nil, err
	}
	m.balances[ledgerKey{user, token}] = newBal
	m.totals[token] = newTotal
	return new(big.Int).Set(newBal), nil
}

// addLocked computes the post-credit balance and total without applying them.
func (m *Memory) addLocked(user, token common.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	bal := m.balances[ledgerKey{user, token}]
	if bal == nil {
		bal = new(big.Int)
	}
	total := m.totals[token]
	if total == nil {
		total = new(big.Int)
	}
	newBal, err := addUint256(bal, amount)
	if err != nil {
		return nil, nil, err
	}
	newTotal, err := addUint256(total, amount)
	if err != nil {
		return nil, nil, err
	}
	return newBal, newTotal, nil
}

func (m *Memory) Balance(_ context.Context, user, token common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.balances[ledgerKey{user, token}]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (m *Memory) Total(_ context.Context, token common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.totals[token]; ok {
		return new(big.Int).Set(t), nil
	}
	return new(big.Int), nil
}

func (m *Memory) Tokens(_ context.Context) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Address, 0, len(m.totals))
	for token := range m.totals {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

func (m *Memory) Receipt(_ context.Context, depositID string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.receipts[depositID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReceipt(rc), nil
}

func copyReservation(r Reservation) Reservation {
	out := r
	out.Amount = copyInt(r.Amount)
	out.Nonce = copyInt(r.Nonce)
	out.Deadline = copyInt(r.Deadline)
	return out
}

func copyReceipt(rc *Receipt) *Receipt {
	out := *rc
	out.Amount = copyInt(rc.Amount)
	out.Nonce = copyInt(rc.Nonce)
	out.Balance = copyInt(rc.Balance)
	return &out
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
