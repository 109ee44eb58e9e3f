package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/auth"
	"github.com/0gfoundation/0g-permit-vault/internal/chain/chaintest"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
	"github.com/0gfoundation/0g-permit-vault/internal/sigverify"
	"github.com/0gfoundation/0g-permit-vault/internal/store"
	"github.com/0gfoundation/0g-permit-vault/internal/vault"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	testToken = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	vaultAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

// ── helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	r     *gin.Engine
	st    *store.Memory
	p2    *chaintest.Permit2
	codec *permit.Codec
	key   *ecdsa.PrivateKey
	owner common.Address
	seq   atomic.Int64
}

func newHarness(t *testing.T, perMinute, burst int) *harness {
	t.Helper()
	codec, err := permit.NewCodec(permit.Permit2Domain(big.NewInt(11155111)))
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	st := store.NewMemory()
	p2 := chaintest.New(codec, vaultAddr)
	p2.Mint(testToken, owner, new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)))
	p2.Approve(testToken, owner, math.MaxBig256)

	svc, err := vault.NewService(codec, vaultAddr, st, p2,
		vault.Config{PullTimeout: time.Second, CommitRetries: 1}, zap.NewNop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRateLimiter(perMinute, burst, time.Minute, zap.NewNop())
	t.Cleanup(rl.Stop)

	r := gin.New()
	NewHandler(svc, zap.NewNop()).Register(r.Group("/api"), auth.Middleware(rdb, "deposit"), rl.Middleware())
	return &harness{r: r, st: st, p2: p2, codec: codec, key: key, owner: owner}
}

func (h *harness) permit(amount *big.Int, nonce, deadline int64) permit.Permit {
	return permit.Permit{
		Token:    testToken,
		Amount:   amount,
		Spender:  vaultAddr,
		Nonce:    big.NewInt(nonce),
		Deadline: big.NewInt(deadline),
	}
}

func (h *harness) body(t *testing.T, p permit.Permit, signer *ecdsa.PrivateKey) []byte {
	t.Helper()
	sig, err := permit.Sign(h.codec, p, signer)
	require.NoError(t, err)
	b, _ := json.Marshal(map[string]string{
		"token":     p.Token.Hex(),
		"amount":    p.Amount.String(),
		"nonce":     p.Nonce.String(),
		"deadline":  p.Deadline.String(),
		"signature": hexutil.Encode(sig),
	})
	return b
}

// post sends body to POST /api/deposits with fresh wallet-auth headers.
func (h *harness) post(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	msg, _ := json.Marshal(auth.SignedRequest{
		Action:    "deposit",
		BodyHash:  auth.BodyHash(body),
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
		Nonce:     "req-" + strconv.FormatInt(h.seq.Add(1), 10),
	})
	sig, err := crypto.Sign(sigverify.HashPersonalMessage(msg), h.key)
	require.NoError(t, err)
	sig[64] += 27

	req := httptest.NewRequest(http.MethodPost, "/api/deposits", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wallet-Address", h.owner.Hex())
	req.Header.Set("X-Signed-Message", base64.StdEncoding.EncodeToString(msg))
	req.Header.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, req)
	return w
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func future() int64 { return time.Now().Add(time.Hour).Unix() }

func ether(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18)) }

// ── deposits ──────────────────────────────────────────────────────────────────

func TestDeposit_CreditsAndReadsBack(t *testing.T) {
	h := newHarness(t, 600, 10)

	w := h.post(t, h.body(t, h.permit(ether(200), 9, future()), h.key))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rc := decode(t, w)
	assert.Equal(t, ether(200).String(), rc["amount"])
	assert.Equal(t, ether(200).String(), rc["balance"])
	assert.Equal(t, "9", rc["nonce"])
	assert.Equal(t, h.owner.Hex(), rc["owner"])

	bal := decode(t, h.get(fmt.Sprintf("/api/balances/%s/%s", h.owner.Hex(), testToken.Hex())))
	assert.Equal(t, ether(200).String(), bal["balance"])

	got := h.get("/api/deposits/" + rc["deposit_id"].(string))
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, rc["tx_hash"], decode(t, got)["tx_hash"])

	vaultBal, _ := h.p2.BalanceOf(context.Background(), testToken, vaultAddr)
	assert.Equal(t, ether(200).String(), vaultBal.String())
}

func TestDeposit_ErrorMapping(t *testing.T) {
	other, _ := crypto.GenerateKey()

	cases := []struct {
		name   string
		setup  func(t *testing.T, h *harness) []byte
		status int
		code   string
	}{
		{
			name: "expired",
			setup: func(t *testing.T, h *harness) []byte {
				return h.body(t, h.permit(ether(1), 1, time.Now().Add(-time.Minute).Unix()), h.key)
			},
			status: http.StatusBadRequest,
			code:   vault.CodePermitExpired,
		},
		{
			name: "signed by someone else",
			setup: func(t *testing.T, h *harness) []byte {
				return h.body(t, h.permit(ether(1), 1, future()), other)
			},
			status: http.StatusUnauthorized,
			code:   vault.CodeInvalidSignature,
		},
		{
			name: "zero amount",
			setup: func(t *testing.T, h *harness) []byte {
				return []byte(fmt.Sprintf(`{"token":%q,"amount":"0","nonce":"1","deadline":"%d","signature":"0x00"}`,
					testToken.Hex(), future()))
			},
			status: http.StatusBadRequest,
			code:   vault.CodeInvalidPermitFields,
		},
		{
			name: "authority rejects",
			setup: func(t *testing.T, h *harness) []byte {
				h.p2.Approve(testToken, h.owner, big.NewInt(0))
				return h.body(t, h.permit(ether(1), 1, future()), h.key)
			},
			status: http.StatusBadGateway,
			code:   vault.CodeTransferFailed,
		},
		{
			name: "balance overflow",
			setup: func(t *testing.T, h *harness) []byte {
				_, err := h.st.Credit(context.Background(), h.owner, testToken, math.MaxBig256)
				require.NoError(t, err)
				return h.body(t, h.permit(big.NewInt(1), 1, future()), h.key)
			},
			status: http.StatusUnprocessableEntity,
			code:   vault.CodeBalanceOverflow,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 600, 10)
			w := h.post(t, tc.setup(t, h))
			require.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, decode(t, w)["code"])
		})
	}
}

func TestDeposit_ReplayConflicts(t *testing.T) {
	h := newHarness(t, 600, 10)
	body := h.body(t, h.permit(ether(1), 3, future()), h.key)

	require.Equal(t, http.StatusCreated, h.post(t, body).Code)
	w := h.post(t, body)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, vault.CodeNonceReused, decode(t, w)["code"])
}

func TestDeposit_MalformedBody(t *testing.T) {
	h := newHarness(t, 600, 10)

	for name, body := range map[string]string{
		"not json":       `{`,
		"missing nonce":  fmt.Sprintf(`{"token":%q,"amount":"1","deadline":"1","signature":"0x00"}`, testToken.Hex()),
		"bad token":      `{"token":"0x12","amount":"1","nonce":"1","deadline":"1","signature":"0x00"}`,
		"negative":       fmt.Sprintf(`{"token":%q,"amount":"-1","nonce":"1","deadline":"1","signature":"0x00"}`, testToken.Hex()),
		"amount too big": fmt.Sprintf(`{"token":%q,"amount":"0x1%064x","nonce":"1","deadline":"1","signature":"0x00"}`, testToken.Hex(), 0),
	} {
		t.Run(name, func(t *testing.T) {
			w := h.post(t, []byte(body))
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, vault.CodeInvalidPermitFields, decode(t, w)["code"])
		})
	}

	w := h.post(t, []byte(fmt.Sprintf(`{"token":%q,"amount":"1","nonce":"1","deadline":"%d","signature":"zz"}`, testToken.Hex(), future())))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, vault.CodeInvalidSignature, decode(t, w)["code"])
}

func TestDeposit_RequiresWalletAuth(t *testing.T) {
	h := newHarness(t, 600, 10)
	req := httptest.NewRequest(http.MethodPost, "/api/deposits",
		bytes.NewReader(h.body(t, h.permit(ether(1), 1, future()), h.key)))
	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeposit_RateLimited(t *testing.T) {
	h := newHarness(t, 1, 1)

	require.Equal(t, http.StatusCreated, h.post(t, h.body(t, h.permit(ether(1), 1, future()), h.key)).Code)
	w := h.post(t, h.body(t, h.permit(ether(1), 2, future()), h.key))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// The limited attempt never reached the vault.
	used, _ := h.st.Consumed(context.Background(), h.owner, big.NewInt(2))
	assert.False(t, used)
}

// ── reads ─────────────────────────────────────────────────────────────────────

func TestReceipt_NotFound(t *testing.T) {
	h := newHarness(t, 600, 10)
	assert.Equal(t, http.StatusNotFound, h.get("/api/deposits/missing").Code)
}

func TestBalance_UnknownIsZero(t *testing.T) {
	h := newHarness(t, 600, 10)
	w := h.get(fmt.Sprintf("/api/balances/%s/%s", h.owner.Hex(), testToken.Hex()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", decode(t, w)["balance"])
}

func TestBalance_BadAddress(t *testing.T) {
	h := newHarness(t, 600, 10)
	assert.Equal(t, http.StatusBadRequest, h.get("/api/balances/nope/"+testToken.Hex()).Code)
}

func TestTypedData_MatchesCodec(t *testing.T) {
	h := newHarness(t, 600, 10)
	p := h.permit(ether(200), 9, 1_900_000_000)

	w := h.get(fmt.Sprintf("/api/permit/typed-data?token=%s&amount=%s&nonce=9&deadline=1900000000",
		testToken.Hex(), p.Amount.String()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)

	want, err := h.codec.Digest(p)
	require.NoError(t, err)
	assert.Equal(t, hexutil.Encode(want[:]), out["digest"])

	td := out["typed_data"].(map[string]any)
	assert.Equal(t, permit.PrimaryType, td["primaryType"])
	msg := td["message"].(map[string]any)
	assert.Equal(t, vaultAddr.Hex(), msg["spender"])
	assert.Equal(t, "9", msg["nonce"])
}

func TestTypedData_RejectsBadQuery(t *testing.T) {
	h := newHarness(t, 600, 10)
	w := h.get("/api/permit/typed-data?token=" + testToken.Hex() + "&amount=0&nonce=1&deadline=1")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, vault.CodeInvalidPermitFields, decode(t, w)["code"])

	w = h.get("/api/permit/typed-data?token=" + testToken.Hex() + "&amount=1&deadline=1")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVaultInfo(t *testing.T) {
	h := newHarness(t, 600, 10)
	w := h.get("/api/vault")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)

	sep := h.codec.DomainSeparator()
	assert.Equal(t, vaultAddr.Hex(), out["vault"])
	assert.Equal(t, permit.Permit2Address.Hex(), out["authority"])
	assert.Equal(t, "11155111", out["chain_id"])
	assert.Equal(t, hexutil.Encode(sep[:]), out["domain_separator"])
}

// ── rate limiter ──────────────────────────────────────────────────────────────

func TestRateLimiter_EvictsIdleWallets(t *testing.T) {
	rl := NewRateLimiter(60, 1, time.Hour, zap.NewNop())
	defer rl.Stop()

	rl.limiterFor(common.HexToAddress("0x01"))
	rl.limiterFor(common.HexToAddress("0x02"))
	require.Equal(t, 2, rl.Len())

	rl.evictIdle(time.Now().Add(3 * time.Hour))
	assert.Equal(t, 0, rl.Len())
}
