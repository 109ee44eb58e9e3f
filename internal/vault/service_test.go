package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/chain"
	"github.com/0gfoundation/0g-permit-vault/internal/chain/chaintest"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
	"github.com/0gfoundation/0g-permit-vault/internal/sigverify"
	"github.com/0gfoundation/0g-permit-vault/internal/store"
)

var (
	sepolia   = big.NewInt(11155111)
	testToken = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	vaultAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type harness struct {
	svc   *Service
	store store.Store
	p2    *chaintest.Permit2
	codec *permit.Codec
	key   *ecdsa.PrivateKey
	owner common.Address
	rec   *countingRecorder
}

type countingRecorder struct {
	mu       sync.Mutex
	credited int
	rejected map[string]int
	pulls    int
}

func (r *countingRecorder) DepositCredited(common.Address, *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credited++
}

func (r *countingRecorder) DepositRejected(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[code]++
}

func (r *countingRecorder) PullObserved(time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls++
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMemory(), opts...)
}

func newHarnessWithStore(t *testing.T, st store.Store, opts ...func(*Config)) *harness {
	t.Helper()
	codec, err := permit.NewCodec(permit.Permit2Domain(sepolia))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	p2 := chaintest.New(codec, vaultAddr)
	p2.Mint(testToken, owner, ether(1000))
	p2.Approve(testToken, owner, math.MaxBig256)

	cfg := Config{PullTimeout: time.Second, CommitRetries: 3, CommitBackoff: time.Millisecond}
	for _, o := range opts {
		o(&cfg)
	}
	rec := &countingRecorder{rejected: make(map[string]int)}
	svc, err := NewService(codec, vaultAddr, st, p2, cfg, zap.NewNop(), WithMetrics(rec))
	require.NoError(t, err)

	return &harness{svc: svc, store: st, p2: p2, codec: codec, key: key, owner: owner, rec: rec}
}

// signed builds a deposit request for amount at nonce, signed by the
// harness owner for the vault as spender.
func (h *harness) signed(t *testing.T, amount *big.Int, nonce int64) DepositRequest {
	t.Helper()
	p := permit.Permit{
		Token:    testToken,
		Amount:   amount,
		Spender:  vaultAddr,
		Nonce:    big.NewInt(nonce),
		Deadline: big.NewInt(time.Now().Unix() + 86400),
	}
	return h.request(t, p, h.codec)
}

func (h *harness) request(t *testing.T, p permit.Permit, codec *permit.Codec) DepositRequest {
	t.Helper()
	sig, err := permit.Sign(codec, p, h.key)
	require.NoError(t, err)
	return DepositRequest{
		Owner:     h.owner,
		Token:     p.Token,
		Amount:    p.Amount,
		Nonce:     p.Nonce,
		Deadline:  p.Deadline,
		Signature: sig,
	}
}

func (h *harness) custody(t *testing.T, holder common.Address) *big.Int {
	t.Helper()
	bal, err := h.p2.BalanceOf(context.Background(), testToken, holder)
	require.NoError(t, err)
	return bal
}

func (h *harness) balance(t *testing.T) *big.Int {
	t.Helper()
	bal, err := h.svc.BalanceOf(context.Background(), h.owner, testToken)
	require.NoError(t, err)
	return bal
}

// ── Happy path ───────────────────────────────────────────────────────────────

// 200 tokens with nonce 9 on Sepolia: custody moves from owner to vault and
// the ledger shows exactly the deposited amount.
func TestDeposit_CreditsAndMovesCustody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rc, err := h.svc.Deposit(ctx, h.signed(t, ether(200), 9))
	require.NoError(t, err)

	assert.Equal(t, ether(200).String(), rc.Amount.String())
	assert.Equal(t, ether(200).String(), rc.Balance.String())
	assert.NotEmpty(t, rc.DepositID)
	assert.NotEqual(t, common.Hash{}, rc.TxHash)

	assert.Equal(t, ether(200).String(), h.balance(t).String())
	assert.Equal(t, ether(800).String(), h.custody(t, h.owner).String())
	assert.Equal(t, ether(200).String(), h.custody(t, vaultAddr).String())

	stored, err := h.svc.Receipt(ctx, rc.DepositID)
	require.NoError(t, err)
	assert.Equal(t, rc.TxHash, stored.TxHash)

	used, err := h.store.Consumed(ctx, h.owner, big.NewInt(9))
	require.NoError(t, err)
	assert.True(t, used)

	total, err := h.store.Total(ctx, testToken)
	require.NoError(t, err)
	assert.Equal(t, 0, total.Cmp(h.custody(t, vaultAddr)), "ledger total must equal custody")
	assert.Equal(t, 1, h.rec.credited)
}

func TestDeposit_AccumulatesAcrossNonces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Deposit(ctx, h.signed(t, ether(200), 9))
	require.NoError(t, err)
	rc, err := h.svc.Deposit(ctx, h.signed(t, ether(50), 10))
	require.NoError(t, err)

	assert.Equal(t, ether(250).String(), rc.Balance.String())
	assert.Equal(t, 2, h.p2.Pulls())
}

func TestDeposit_ZeroNonce(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Deposit(context.Background(), h.signed(t, ether(1), 0))
	require.NoError(t, err)
}

// ── Rejections ───────────────────────────────────────────────────────────────

func TestDeposit_ReplayIsNonceReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.signed(t, ether(200), 9)

	_, err := h.svc.Deposit(ctx, req)
	require.NoError(t, err)

	_, err = h.svc.Deposit(ctx, req)
	assert.ErrorIs(t, err, store.ErrNonceReused)
	assert.Equal(t, CodeNonceReused, Code(err))
	assert.Equal(t, ether(200).String(), h.balance(t).String())
	assert.Equal(t, 1, h.p2.Pulls(), "replay must not reach the authority")
	assert.Equal(t, 1, h.rec.rejected[CodeNonceReused])
}

func TestDeposit_Expired(t *testing.T) {
	h := newHarness(t)
	p := permit.Permit{
		Token:    testToken,
		Amount:   ether(1),
		Spender:  vaultAddr,
		Nonce:    big.NewInt(1),
		Deadline: big.NewInt(time.Now().Unix() - 1),
	}
	req := h.request(t, p, h.codec)

	_, err := h.svc.Deposit(context.Background(), req)
	assert.ErrorIs(t, err, ErrPermitExpired)

	// Expiry wins regardless of the signature.
	req.Signature = make([]byte, 65)
	_, err = h.svc.Deposit(context.Background(), req)
	assert.ErrorIs(t, err, ErrPermitExpired)
	assert.Equal(t, 0, h.p2.Pulls())
}

func TestDeposit_DeadlineEqualToNowIsValid(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.svc.now = func() time.Time { return now }

	p := permit.Permit{
		Token:    testToken,
		Amount:   ether(1),
		Spender:  vaultAddr,
		Nonce:    big.NewInt(1),
		Deadline: big.NewInt(now.Unix()),
	}
	h.p2.SetClock(func() time.Time { return now })
	_, err := h.svc.Deposit(context.Background(), h.request(t, p, h.codec))
	require.NoError(t, err)
}

// Every field the owner signed is bound: changing any of them after signing
// breaks the signature before the authority is contacted.
func TestDeposit_FieldMutationBreaksSignature(t *testing.T) {
	other := common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	mutations := map[string]func(r *DepositRequest){
		"amount":   func(r *DepositRequest) { r.Amount = new(big.Int).Add(r.Amount, big.NewInt(1)) },
		"token":    func(r *DepositRequest) { r.Token = other },
		"nonce":    func(r *DepositRequest) { r.Nonce = big.NewInt(10) },
		"deadline": func(r *DepositRequest) { r.Deadline = new(big.Int).Add(r.Deadline, big.NewInt(1)) },
		"owner":    func(r *DepositRequest) { r.Owner = other },
		"sig byte": func(r *DepositRequest) { r.Signature[10] ^= 0xff },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			req := h.signed(t, ether(200), 9)
			mutate(&req)

			_, err := h.svc.Deposit(context.Background(), req)
			assert.ErrorIs(t, err, sigverify.ErrInvalidSignature)
			assert.Equal(t, CodeInvalidSignature, Code(err))
			assert.Equal(t, 0, h.p2.Pulls())
			assert.Equal(t, 0, h.balance(t).Sign())
		})
	}
}

func TestDeposit_WrongSpender(t *testing.T) {
	h := newHarness(t)
	p := permit.Permit{
		Token:    testToken,
		Amount:   ether(1),
		Spender:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:    big.NewInt(1),
		Deadline: big.NewInt(time.Now().Unix() + 60),
	}
	_, err := h.svc.Deposit(context.Background(), h.request(t, p, h.codec))
	assert.ErrorIs(t, err, sigverify.ErrInvalidSignature)
}

func TestDeposit_WrongChain(t *testing.T) {
	h := newHarness(t)
	mainnet, err := permit.NewCodec(permit.Permit2Domain(big.NewInt(1)))
	require.NoError(t, err)
	p := permit.Permit{
		Token:    testToken,
		Amount:   ether(1),
		Spender:  vaultAddr,
		Nonce:    big.NewInt(1),
		Deadline: big.NewInt(time.Now().Unix() + 60),
	}
	_, err = h.svc.Deposit(context.Background(), h.request(t, p, mainnet))
	assert.ErrorIs(t, err, sigverify.ErrInvalidSignature)
}

func TestDeposit_InvalidFields(t *testing.T) {
	cases := map[string]func(r *DepositRequest){
		"zero amount":  func(r *DepositRequest) { r.Amount = big.NewInt(0) },
		"nil amount":   func(r *DepositRequest) { r.Amount = nil },
		"zero token":   func(r *DepositRequest) { r.Token = common.Address{} },
		"nil nonce":    func(r *DepositRequest) { r.Nonce = nil },
		"nil deadline": func(r *DepositRequest) { r.Deadline = nil },
		"huge amount":  func(r *DepositRequest) { r.Amount = new(big.Int).Lsh(big.NewInt(1), 256) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			req := h.signed(t, ether(1), 1)
			mutate(&req)
			_, err := h.svc.Deposit(context.Background(), req)
			assert.ErrorIs(t, err, permit.ErrInvalidPermitFields)
			assert.Equal(t, CodeInvalidPermitFields, Code(err))
		})
	}
}

// ── Authority failures ───────────────────────────────────────────────────────

func TestDeposit_AuthorityRejectionThenResubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.signed(t, ether(200), 9)

	h.p2.FailNext(errors.New("execution reverted"))
	_, err := h.svc.Deposit(ctx, req)
	assert.ErrorIs(t, err, chain.ErrTransferFailed)
	assert.Equal(t, CodeTransferFailed, Code(err))

	used, err := h.store.Consumed(ctx, h.owner, big.NewInt(9))
	require.NoError(t, err)
	assert.False(t, used, "failed pull must leave the nonce unconsumed")
	assert.Equal(t, 0, h.balance(t).Sign())
	pending, err := h.store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed pull must release its reservation")

	// The same permit goes through once the authority accepts it.
	rc, err := h.svc.Deposit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ether(200).String(), rc.Balance.String())
}

func TestDeposit_MissingAllowanceThenApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.p2.Approve(testToken, h.owner, big.NewInt(0))
	req := h.signed(t, ether(5), 3)

	_, err := h.svc.Deposit(ctx, req)
	assert.ErrorIs(t, err, chain.ErrTransferFailed)

	h.p2.Approve(testToken, h.owner, math.MaxBig256)
	_, err = h.svc.Deposit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ether(5).String(), h.balance(t).String())
}

func TestDeposit_PendingPullKeepsReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.p2.SetPendingAfterExecute(true)
	req := h.signed(t, ether(7), 4)

	_, err := h.svc.Deposit(ctx, req)
	assert.ErrorIs(t, err, chain.ErrTransferFailed)

	pending, err := h.store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, h.owner, pending[0].Owner)
	assert.Equal(t, ether(7).String(), pending[0].Amount.String())
	assert.NotEqual(t, common.Hash{}, pending[0].TxHash, "the signed pull hash is kept for recovery")

	// The nonce stays held, so a resubmission cannot double-pull.
	h.p2.SetPendingAfterExecute(false)
	_, err = h.svc.Deposit(ctx, req)
	assert.ErrorIs(t, err, store.ErrNonceReused)
	assert.Equal(t, 1, h.p2.Pulls())
}

func TestDeposit_PullTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PullTimeout = 20 * time.Millisecond })
	h.p2.SetDelay(time.Second)

	start := time.Now()
	_, err := h.svc.Deposit(context.Background(), h.signed(t, ether(1), 1))
	assert.ErrorIs(t, err, chain.ErrTransferFailed)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "deposit must not outlive the pull timeout")
	assert.Equal(t, 0, h.balance(t).Sign())
}

// ── Ledger failures ──────────────────────────────────────────────────────────

func TestDeposit_BalanceOverflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Credit(ctx, h.owner, testToken, new(big.Int).Set(math.MaxBig256))
	require.NoError(t, err)

	_, err = h.svc.Deposit(ctx, h.signed(t, ether(1), 1))
	assert.ErrorIs(t, err, store.ErrBalanceOverflow)
	assert.Equal(t, CodeBalanceOverflow, Code(err))
	assert.Equal(t, 0, h.balance(t).Cmp(math.MaxBig256))
}

// flakyStore fails the first n Commit calls.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (f *flakyStore) Commit(ctx context.Context, r store.Reservation, txHash common.Hash) (*store.Receipt, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.Store.Commit(ctx, r, txHash)
}

func TestDeposit_CommitRetried(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemory()}
	fs.failures.Store(2)
	h := newHarnessWithStore(t, fs)

	rc, err := h.svc.Deposit(context.Background(), h.signed(t, ether(3), 1))
	require.NoError(t, err)
	assert.Equal(t, ether(3).String(), rc.Balance.String())
}

func TestDeposit_CommitExhausted(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemory()}
	fs.failures.Store(10)
	h := newHarnessWithStore(t, fs)
	ctx := context.Background()

	_, err := h.svc.Deposit(ctx, h.signed(t, ether(3), 1))
	require.Error(t, err)
	assert.Equal(t, CodeInternal, Code(err))

	// Funds moved, so the reservation is left for recovery rather than released.
	pending, err := fs.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// ── Concurrency ──────────────────────────────────────────────────────────────

func TestDeposit_ConcurrentSamePermit(t *testing.T) {
	h := newHarness(t)
	req := h.signed(t, ether(200), 9)

	const n = 8
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		reused  atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Deposit(context.Background(), req)
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, store.ErrNonceReused):
				reused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(n-1), reused.Load())
	assert.Equal(t, 1, h.p2.Pulls())
	assert.Equal(t, ether(200).String(), h.balance(t).String())
}

func TestDeposit_ConcurrentDistinctNonces(t *testing.T) {
	h := newHarness(t)
	const n = 10
	reqs := make([]DepositRequest, n)
	for i := range reqs {
		reqs[i] = h.signed(t, ether(1), int64(i))
	}

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(req DepositRequest) {
			defer wg.Done()
			_, err := h.svc.Deposit(context.Background(), req)
			assert.NoError(t, err)
		}(reqs[i])
	}
	wg.Wait()

	assert.Equal(t, ether(n).String(), h.balance(t).String())
	assert.Equal(t, ether(n).String(), h.custody(t, vaultAddr).String())
}

// ── Misc ─────────────────────────────────────────────────────────────────────

func TestNewService_Validation(t *testing.T) {
	codec, err := permit.NewCodec(permit.Permit2Domain(sepolia))
	require.NoError(t, err)
	cfg := Config{PullTimeout: time.Second}

	_, err = NewService(codec, common.Address{}, store.NewMemory(), nil, cfg, zap.NewNop())
	assert.Error(t, err)
	_, err = NewService(codec, vaultAddr, store.NewMemory(), nil, Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", permit.ErrInvalidPermitFields), CodeInvalidPermitFields},
		{ErrPermitExpired, CodePermitExpired},
		{sigverify.ErrInvalidSignature, CodeInvalidSignature},
		{store.ErrNonceReused, CodeNonceReused},
		{chain.ErrTransferFailed, CodeTransferFailed},
		{chain.ErrTransferPending, CodeTransferFailed},
		{store.ErrBalanceOverflow, CodeBalanceOverflow},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Code(tc.err), "error %v", tc.err)
	}
}

func TestWithIDGenerator(t *testing.T) {
	h := newHarness(t)
	h.svc.newID = func() string { return "dep-fixed" }
	WithIDGenerator(func() string { return "dep-1" })(h.svc)

	rc, err := h.svc.Deposit(context.Background(), h.signed(t, ether(1), 1))
	require.NoError(t, err)
	assert.Equal(t, "dep-1", rc.DepositID)
}
