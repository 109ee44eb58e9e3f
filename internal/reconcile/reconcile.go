// Package reconcile resolves deposits left half-finished and checks that the
// ledger is backed by tokens the vault actually holds.
package reconcile

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/store"
)

// Authority reports whether Permit2 has spent a nonce.
type Authority interface {
	NonceUsed(ctx context.Context, owner common.Address, nonce *big.Int) (bool, error)
}

// Custody reads on-chain token balances.
type Custody interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// Gauges receives reconciliation results. The metrics package implements it.
type Gauges interface {
	CustodyObserved(token common.Address, ledger, custody *big.Int)
	PendingReservations(n int)
	RecoveryOutcome(outcome string)
}

type nopGauges struct{}

func (nopGauges) CustodyObserved(common.Address, *big.Int, *big.Int) {}
func (nopGauges) PendingReservations(int)                            {}
func (nopGauges) RecoveryOutcome(string)                             {}

// Recovery outcomes
const (
	OutcomeCommitted = "committed"
	OutcomeReleased  = "released"
	OutcomeWaiting   = "waiting"
	OutcomeFailed    = "failed"
)

// DefaultReleaseGrace is how long past its deadline a reservation is kept
// before an unused nonce is released, covering clock skew with block time.
const DefaultReleaseGrace = 5 * time.Minute

type Reconciler struct {
	store     store.Store
	authority Authority
	custody   Custody
	vault     common.Address
	tokens    []common.Address
	gauges    Gauges
	grace     time.Duration
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Reconciler)

func WithGauges(g Gauges) Option { return func(r *Reconciler) { r.gauges = g } }

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func WithReleaseGrace(d time.Duration) Option { return func(r *Reconciler) { r.grace = d } }

// New builds a Reconciler. tokens are always checked, in addition to every
// token the ledger has credited.
func New(st store.Store, authority Authority, custody Custody, vault common.Address, tokens []common.Address, log *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     st,
		authority: authority,
		custody:   custody,
		vault:     vault,
		tokens:    tokens,
		gauges:    nopGauges{},
		grace:     DefaultReleaseGrace,
		log:       log,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RecoveryReport counts what one recovery pass did.
type RecoveryReport struct {
	Committed int
	Released  int
	Waiting   int
	Failed    int
}

// RecoverPending resolves every outstanding reservation from the Permit2
// nonce bitmap: a spent nonce means the funds moved, so the deposit is
// credited; an unspent nonce past its deadline can never be spent, so it is
// released; anything else is still in flight.
func (r *Reconciler) RecoverPending(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	pending, err := r.store.Pending(ctx)
	if err != nil {
		return rep, err
	}
	r.gauges.PendingReservations(len(pending))

	for _, res := range pending {
		outcome := r.recoverOne(ctx, res)
		r.gauges.RecoveryOutcome(outcome)
		switch outcome {
		case OutcomeCommitted:
			rep.Committed++
		case OutcomeReleased:
			rep.Released++
		case OutcomeWaiting:
			rep.Waiting++
		default:
			rep.Failed++
		}
	}
	return rep, nil
}

func (r *Reconciler) recoverOne(ctx context.Context, res store.Reservation) string {
	log := r.log.With(
		zap.String("deposit_id", res.DepositID),
		zap.String("owner", res.Owner.Hex()),
		zap.Stringer("nonce", res.Nonce),
	)

	used, err := r.authority.NonceUsed(ctx, res.Owner, res.Nonce)
	if err != nil {
		log.Error("recover: read nonce bitmap", zap.Error(err))
		return OutcomeFailed
	}
	if used {
		rc, err := r.store.Commit(ctx, res, res.TxHash)
		if err != nil {
			log.Error("recover: commit", zap.Error(err))
			return OutcomeFailed
		}
		log.Info("recover: deposit credited", zap.Stringer("balance", rc.Balance))
		return OutcomeCommitted
	}

	cutoff := r.now().Add(-r.grace).Unix()
	if res.Deadline != nil && res.Deadline.Cmp(big.NewInt(cutoff)) < 0 {
		if err := r.store.Release(ctx, res); err != nil {
			log.Error("recover: release", zap.Error(err))
			return OutcomeFailed
		}
		log.Info("recover: expired reservation released")
		return OutcomeReleased
	}
	return OutcomeWaiting
}

// TokenStatus compares the ledger total of one token with the vault's holding.
type TokenStatus struct {
	Token   common.Address
	Ledger  *big.Int
	Custody *big.Int
}

// Shortfall reports whether the ledger owes more than the vault holds.
// Custody above the ledger is tolerated: anyone can send tokens to the vault.
func (s TokenStatus) Shortfall() bool { return s.Ledger.Cmp(s.Custody) > 0 }

// Reconcile compares Σ balances with balanceOf(vault) for every known token.
func (r *Reconciler) Reconcile(ctx context.Context) ([]TokenStatus, error) {
	tokens, err := r.store.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[common.Address]bool, len(tokens))
	for _, t := range tokens {
		seen[t] = true
	}
	for _, t := range r.tokens {
		if !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}

	out := make([]TokenStatus, 0, len(tokens))
	for _, token := range tokens {
		ledger, err := r.store.Total(ctx, token)
		if err != nil {
			return out, err
		}
		held, err := r.custody.BalanceOf(ctx, token, r.vault)
		if err != nil {
			r.log.Error("reconcile: balanceOf", zap.String("token", token.Hex()), zap.Error(err))
			continue
		}
		st := TokenStatus{Token: token, Ledger: ledger, Custody: held}
		r.gauges.CustodyObserved(token, ledger, held)
		if st.Shortfall() {
			r.log.Error("reconcile: ledger exceeds custody",
				zap.String("token", token.Hex()),
				zap.Stringer("ledger", ledger),
				zap.Stringer("custody", held),
			)
		}
		out = append(out, st)
	}
	return out, nil
}

// Run recovers pending reservations and reconciles custody on their own
// intervals until ctx is cancelled. It runs one recovery pass immediately.
func Run(ctx context.Context, r *Reconciler, recoveryInterval, reconcileInterval time.Duration, log *zap.Logger) {
	recoverTicker := time.NewTicker(recoveryInterval)
	defer recoverTicker.Stop()
	reconcileTicker := time.NewTicker(reconcileInterval)
	defer reconcileTicker.Stop()

	log.Info("reconciler started",
		zap.Duration("recovery_interval", recoveryInterval),
		zap.Duration("reconcile_interval", reconcileInterval),
	)
	runRecovery(ctx, r, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return
		case <-recoverTicker.C:
			runRecovery(ctx, r, log)
		case <-reconcileTicker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				log.Error("reconcile", zap.Error(err))
			}
		}
	}
}

func runRecovery(ctx context.Context, r *Reconciler, log *zap.Logger) {
	rep, err := r.RecoverPending(ctx)
	if err != nil {
		log.Error("recover pending", zap.Error(err))
		return
	}
	if rep != (RecoveryReport{}) {
		log.Info("recovery pass",
			zap.Int("committed", rep.Committed),
			zap.Int("released", rep.Released),
			zap.Int("waiting", rep.Waiting),
			zap.Int("failed", rep.Failed),
		)
	}
}
