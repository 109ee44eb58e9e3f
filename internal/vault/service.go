// Package vault accepts ERC-20 deposits authorized by Permit2 signatures and
// credits them to the ledger.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/chain"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
	"github.com/0gfoundation/0g-permit-vault/internal/sigverify"
	"github.com/0gfoundation/0g-permit-vault/internal/store"
)

var ErrPermitExpired = errors.New("permit expired")

// TransferAuthority moves permitted funds. *chain.Client is the production
// implementation.
type TransferAuthority interface {
	Pull(ctx context.Context, req chain.PullRequest) (common.Hash, error)
	NonceUsed(ctx context.Context, owner common.Address, nonce *big.Int) (bool, error)
}

// Recorder receives deposit outcomes. The metrics package implements it.
type Recorder interface {
	DepositCredited(token common.Address, amount *big.Int)
	DepositRejected(code string)
	PullObserved(d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) DepositCredited(common.Address, *big.Int) {}
func (nopRecorder) DepositRejected(string)                   {}
func (nopRecorder) PullObserved(time.Duration, error)        {}

type Config struct {
	// PullTimeout bounds a single call to the transfer authority.
	PullTimeout   time.Duration
	CommitRetries int
	CommitBackoff time.Duration
}

// DepositRequest is what the depositor submits: the signed permit fields plus
// the signature. Owner is the depositor, i.e. the expected signer.
type DepositRequest struct {
	Owner     common.Address
	Token     common.Address
	Amount    *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
	Signature []byte
}

type Service struct {
	codec     *permit.Codec
	vault     common.Address
	store     store.Store
	authority TransferAuthority
	cfg       Config
	log       *zap.Logger
	metrics   Recorder
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithIDGenerator replaces the default UUID deposit ids.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

func NewService(codec *permit.Codec, vault common.Address, st store.Store, authority TransferAuthority, cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	if vault == (common.Address{}) {
		return nil, fmt.Errorf("vault address is zero")
	}
	if cfg.PullTimeout <= 0 {
		return nil, fmt.Errorf("pull timeout must be positive")
	}
	if cfg.CommitRetries < 1 {
		cfg.CommitRetries = 1
	}
	s := &Service{
		codec:     codec,
		vault:     vault,
		store:     st,
		authority: authority,
		cfg:       cfg,
		log:       log,
		metrics:   nopRecorder{},
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Address is the vault's own address, the spender every permit must name.
func (s *Service) Address() common.Address { return s.vault }

func (s *Service) Codec() *permit.Codec { return s.codec }

// Deposit pulls req.Amount of req.Token from req.Owner through the transfer
// authority and credits it, at most once per (owner, nonce).
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*store.Receipt, error) {
	rc, err := s.deposit(ctx, req)
	if err != nil {
		s.metrics.DepositRejected(Code(err))
		return nil, err
	}
	s.metrics.DepositCredited(rc.Token, rc.Amount)
	return rc, nil
}

func (s *Service) deposit(ctx context.Context, req DepositRequest) (*store.Receipt, error) {
	log := s.log.With(
		zap.String("owner", req.Owner.Hex()),
		zap.String("token", req.Token.Hex()),
		zap.Stringer("nonce", req.Nonce),
	)

	p := permit.Permit{
		Token:    req.Token,
		Amount:   req.Amount,
		Spender:  s.vault,
		Nonce:    req.Nonce,
		Deadline: req.Deadline,
	}
	if err := p.Validate(); err != nil {
		log.Warn("deposit rejected", zap.Error(err))
		return nil, err
	}
	if p.Deadline.Cmp(big.NewInt(s.now().Unix())) < 0 {
		log.Warn("deposit rejected: permit expired", zap.Stringer("deadline", p.Deadline))
		return nil, ErrPermitExpired
	}

	digest, err := s.codec.Digest(p)
	if err != nil {
		return nil, err
	}
	if !sigverify.Verify(digest[:], req.Signature, req.Owner) {
		log.Warn("deposit rejected: bad signature")
		return nil, sigverify.ErrInvalidSignature
	}

	r := store.Reservation{
		DepositID: s.newID(),
		Owner:     req.Owner,
		Token:     req.Token,
		Amount:    new(big.Int).Set(req.Amount),
		Nonce:     new(big.Int).Set(req.Nonce),
		Deadline:  new(big.Int).Set(req.Deadline),
		CreatedAt: s.now().UnixNano(),
	}
	if err := s.store.Reserve(ctx, r); err != nil {
		if errors.Is(err, store.ErrNonceReused) {
			log.Warn("deposit rejected: nonce reused")
			return nil, err
		}
		log.Error("reserve nonce", zap.Error(err))
		return nil, fmt.Errorf("reserve nonce: %w", err)
	}
	log = log.With(zap.String("deposit_id", r.DepositID))

	txHash, err := s.pull(ctx, r, req.Signature)
	if err != nil {
		// Releasing must happen even if the caller went away.
		bg := context.WithoutCancel(ctx)
		if errors.Is(err, chain.ErrTransferPending) {
			if txHash != (common.Hash{}) {
				s.recordBroadcast(bg, r, txHash)
			}
			log.Error("pull pending, reservation kept for recovery",
				zap.String("tx", txHash.Hex()), zap.Error(err))
		} else if relErr := s.store.Release(bg, r); relErr != nil {
			log.Error("release reservation", zap.Error(relErr))
		} else {
			log.Warn("deposit rejected: transfer failed", zap.Error(err))
		}
		if !errors.Is(err, chain.ErrTransferFailed) {
			err = fmt.Errorf("%w: %v", chain.ErrTransferFailed, err)
		}
		return nil, err
	}

	rc, err := s.commit(context.WithoutCancel(ctx), r, txHash)
	if err != nil {
		log.Error("credit failed after pull, reservation kept for recovery",
			zap.String("tx", txHash.Hex()), zap.Error(err))
		return nil, err
	}
	log.Info("deposit credited",
		zap.Stringer("amount", rc.Amount),
		zap.Stringer("balance", rc.Balance),
		zap.String("tx", txHash.Hex()),
	)
	return rc, nil
}

func (s *Service) pull(ctx context.Context, r store.Reservation, sig []byte) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PullTimeout)
	defer cancel()

	start := s.now()
	txHash, err := s.authority.Pull(ctx, chain.PullRequest{
		Token:     r.Token,
		Owner:     r.Owner,
		To:        s.vault,
		Amount:    r.Amount,
		Nonce:     r.Nonce,
		Deadline:  r.Deadline,
		Signature: sig,
		Broadcast: func(h common.Hash) { s.recordBroadcast(context.WithoutCancel(ctx), r, h) },
	})
	s.metrics.PullObserved(s.now().Sub(start), err)
	return txHash, err
}

// recordBroadcast attaches the pull tx hash to the reservation so a recovery
// commit carries it too. Losing it only costs the hash on the receipt.
func (s *Service) recordBroadcast(ctx context.Context, r store.Reservation, txHash common.Hash) {
	if err := s.store.RecordBroadcast(ctx, r, txHash); err != nil {
		s.log.Warn("record pull tx hash",
			zap.String("deposit_id", r.DepositID),
			zap.String("tx", txHash.Hex()),
			zap.Error(err),
		)
	}
}

// commit retries transient store failures. Overflow and a lost reservation
// are final.
func (s *Service) commit(ctx context.Context, r store.Reservation, txHash common.Hash) (*store.Receipt, error) {
	var err error
	for attempt := 0; attempt < s.cfg.CommitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.CommitBackoff * time.Duration(attempt))
		}
		var rc *store.Receipt
		rc, err = s.store.Commit(ctx, r, txHash)
		if err == nil {
			return rc, nil
		}
		if errors.Is(err, store.ErrBalanceOverflow) || errors.Is(err, store.ErrNotReserved) {
			return nil, err
		}
		s.log.Warn("commit attempt failed",
			zap.String("deposit_id", r.DepositID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("commit deposit %s: %w", r.DepositID, err)
}

// BalanceOf returns user's credited balance of token, zero if none.
func (s *Service) BalanceOf(ctx context.Context, user, token common.Address) (*big.Int, error) {
	return s.store.Balance(ctx, user, token)
}

func (s *Service) Receipt(ctx context.Context, depositID string) (*store.Receipt, error) {
	return s.store.Receipt(ctx, depositID)
}

// Error codes returned to clients.
const (
	CodeInvalidPermitFields = "invalid_permit_fields"
	CodePermitExpired       = "permit_expired"
	CodeInvalidSignature    = "invalid_signature"
	CodeNonceReused         = "nonce_reused"
	CodeTransferFailed      = "transfer_failed"
	CodeBalanceOverflow     = "balance_overflow"
	CodeInternal            = "internal"
)

// Code maps a Deposit error to its stable client-facing code.
func Code(err error) string {
	switch {
	case errors.Is(err, permit.ErrInvalidPermitFields):
		return CodeInvalidPermitFields
	case errors.Is(err, ErrPermitExpired):
		return CodePermitExpired
	case errors.Is(err, sigverify.ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, store.ErrNonceReused):
		return CodeNonceReused
	case errors.Is(err, chain.ErrTransferFailed):
		return CodeTransferFailed
	case errors.Is(err, store.ErrBalanceOverflow):
		return CodeBalanceOverflow
	default:
		return CodeInternal
	}
}
