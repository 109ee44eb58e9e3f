// Package chaintest provides an in-memory Permit2 and ERC-20 ledger that
// enforces the same checks as the on-chain SignatureTransfer contract.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-permit-vault/internal/chain"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
	"github.com/0gfoundation/0g-permit-vault/internal/sigverify"
)

// Revert reasons, named after the Permit2 custom errors.
var (
	ErrSignatureExpired  = errors.New("SignatureExpired")
	ErrInvalidNonce      = errors.New("InvalidNonce")
	ErrInvalidSigner     = errors.New("InvalidSigner")
	ErrInvalidAmount     = errors.New("InvalidAmount")
	ErrInsufficientAllow = errors.New("ERC20: insufficient allowance")
	ErrInsufficientFunds = errors.New("ERC20: transfer amount exceeds balance")
)

// Permit2 is a deterministic transfer authority. Every Pull is executed as if
// sent by the vault operator, so the permit's spender is always that address.
type Permit2 struct {
	mu     sync.Mutex
	codec  *permit.Codec
	sender common.Address
	now    func() time.Time

	balances   map[common.Address]map[common.Address]*big.Int // token → holder → balance
	allowances map[common.Address]map[common.Address]*big.Int // token → owner → allowance to Permit2
	used       map[string]bool
	txs        uint64

	failNext            error
	pendingAfterExecute bool
	delay               time.Duration
}

// New returns a Permit2 double whose own domain is codec's.
func New(codec *permit.Codec, sender common.Address) *Permit2 {
	return &Permit2{
		codec:      codec,
		sender:     sender,
		now:        time.Now,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		used:       make(map[string]bool),
	}
}

func (p *Permit2) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// FailNext makes the next Pull fail with err wrapped in chain.ErrTransferFailed
// without touching any state.
func (p *Permit2) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// SetPendingAfterExecute makes Pull perform the transfer but report
// chain.ErrTransferPending, as when a receipt wait times out.
func (p *Permit2) SetPendingAfterExecute(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingAfterExecute = v
}

// SetDelay holds each Pull for d before it executes. If ctx ends first the
// pull is reported pending and never executes.
func (p *Permit2) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Mint credits holder with amount of token.
func (p *Permit2) Mint(token, holder common.Address, amount *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bal := p.balanceLocked(token, holder)
	bal.Add(bal, amount)
}

// Approve sets owner's ERC-20 allowance of token to Permit2.
func (p *Permit2) Approve(token, owner common.Address, amount *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allowances[token] == nil {
		p.allowances[token] = make(map[common.Address]*big.Int)
	}
	p.allowances[token][owner] = new(big.Int).Set(amount)
}

func (p *Permit2) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.balanceLocked(token, holder)), nil
}

func (p *Permit2) Allowance(token, owner common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a := p.allowances[token][owner]; a != nil {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Pulls returns how many transfers executed.
func (p *Permit2) Pulls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.txs)
}

func (p *Permit2) NonceUsed(_ context.Context, owner common.Address, nonce *big.Int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[nonceKey(owner, nonce)], nil
}

func (p *Permit2) Pull(ctx context.Context, req chain.PullRequest) (common.Hash, error) {
	p.mu.Lock()
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return common.Hash{}, fmt.Errorf("%w: %v", chain.ErrTransferPending, ctx.Err())
		}
	}

	hash, pending, err := p.execute(req)
	if err != nil {
		return common.Hash{}, err
	}
	if req.Broadcast != nil {
		req.Broadcast(hash)
	}
	if pending {
		return hash, fmt.Errorf("%w: tx %s", chain.ErrTransferPending, hash.Hex())
	}
	return hash, nil
}

func (p *Permit2) execute(req chain.PullRequest) (common.Hash, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failNext; err != nil {
		p.failNext = nil
		return common.Hash{}, false, fmt.Errorf("%w: %v", chain.ErrTransferFailed, err)
	}
	if err := p.executeLocked(req); err != nil {
		return common.Hash{}, false, fmt.Errorf("%w: reverted: %v", chain.ErrTransferFailed, err)
	}
	p.txs++
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("permit2-tx-%d", p.txs))), p.pendingAfterExecute, nil
}

// executeLocked mirrors SignatureTransfer.permitTransferFrom.
func (p *Permit2) executeLocked(req chain.PullRequest) error {
	if req.Amount == nil || req.Nonce == nil || req.Deadline == nil {
		return ErrInvalidAmount
	}
	if req.Deadline.Cmp(big.NewInt(p.now().Unix())) < 0 {
		return ErrSignatureExpired
	}
	// requestedAmount equals the permitted amount for single deposits.
	if req.Amount.Sign() <= 0 || req.Amount.Cmp(math.MaxBig256) > 0 {
		return ErrInvalidAmount
	}

	nk := nonceKey(req.Owner, req.Nonce)
	if p.used[nk] {
		return ErrInvalidNonce
	}

	digest, err := p.codec.Digest(permit.Permit{
		Token:    req.Token,
		Amount:   req.Amount,
		Spender:  p.sender,
		Nonce:    req.Nonce,
		Deadline: req.Deadline,
	})
	if err != nil {
		return err
	}
	if !sigverify.Verify(digest[:], req.Signature, req.Owner) {
		return ErrInvalidSigner
	}

	allowance := p.allowances[req.Token][req.Owner]
	if allowance == nil || allowance.Cmp(req.Amount) < 0 {
		return ErrInsufficientAllow
	}
	from := p.balanceLocked(req.Token, req.Owner)
	if from.Cmp(req.Amount) < 0 {
		return ErrInsufficientFunds
	}

	p.used[nk] = true
	if allowance.Cmp(math.MaxBig256) != 0 {
		allowance.Sub(allowance, req.Amount)
	}
	from.Sub(from, req.Amount)
	to := p.balanceLocked(req.Token, req.To)
	to.Add(to, req.Amount)
	return nil
}

func (p *Permit2) balanceLocked(token, holder common.Address) *big.Int {
	if p.balances[token] == nil {
		p.balances[token] = make(map[common.Address]*big.Int)
	}
	bal := p.balances[token][holder]
	if bal == nil {
		bal = new(big.Int)
		p.balances[token][holder] = bal
	}
	return bal
}

func nonceKey(owner common.Address, nonce *big.Int) string {
	return strings.ToLower(owner.Hex()) + ":" + nonce.String()
}
