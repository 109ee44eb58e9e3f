// Package api exposes the vault over HTTP.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/auth"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
	"github.com/0gfoundation/0g-permit-vault/internal/sigverify"
	"github.com/0gfoundation/0g-permit-vault/internal/store"
	"github.com/0gfoundation/0g-permit-vault/internal/vault"
)

// Vault is satisfied by *vault.Service.
type Vault interface {
	Deposit(ctx context.Context, req vault.DepositRequest) (*store.Receipt, error)
	BalanceOf(ctx context.Context, user, token common.Address) (*big.Int, error)
	Receipt(ctx context.Context, depositID string) (*store.Receipt, error)
	Address() common.Address
	Codec() *permit.Codec
}

type Handler struct {
	vault Vault
	log   *zap.Logger
}

func NewHandler(v Vault, log *zap.Logger) *Handler {
	return &Handler{vault: v, log: log}
}

// Register mounts all routes. depositAuth guards POST /deposits and must
// include auth.Middleware.
func (h *Handler) Register(rg *gin.RouterGroup, depositAuth ...gin.HandlerFunc) {
	rg.POST("/deposits", append(depositAuth, h.handleDeposit)...)
	rg.GET("/deposits/:id", h.handleReceipt)
	rg.GET("/balances/:user/:token", h.handleBalance)
	rg.GET("/permit/typed-data", h.handleTypedData)
	rg.GET("/vault", h.handleInfo)
}

// ── Deposit ─────────────────────────────────────────────────────────────────

type depositBody struct {
	Token     string `json:"token" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	Deadline  string `json:"deadline" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type receiptResponse struct {
	DepositID  string `json:"deposit_id"`
	Owner      string `json:"owner"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	Nonce      string `json:"nonce"`
	TxHash     string `json:"tx_hash"`
	Balance    string `json:"balance"`
	CreditedAt int64  `json:"credited_at"`
}

func toReceiptResponse(rc *store.Receipt) receiptResponse {
	return receiptResponse{
		DepositID:  rc.DepositID,
		Owner:      rc.Owner.Hex(),
		Token:      rc.Token.Hex(),
		Amount:     rc.Amount.String(),
		Nonce:      rc.Nonce.String(),
		TxHash:     rc.TxHash.Hex(),
		Balance:    rc.Balance.String(),
		CreditedAt: rc.CreditedAt,
	}
}

func (h *Handler) handleDeposit(c *gin.Context) {
	owner, ok := auth.Wallet(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var body depositBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, vault.CodeInvalidPermitFields, "invalid request body")
		return
	}

	req, err := parseDeposit(owner, body)
	if err != nil {
		writeError(c, statusFor(err), vault.Code(err), err.Error())
		return
	}

	rc, err := h.vault.Deposit(c.Request.Context(), req)
	if err != nil {
		code := vault.Code(err)
		msg := err.Error()
		if code == vault.CodeInternal {
			msg = "internal error"
		}
		writeError(c, statusFor(err), code, msg)
		return
	}
	c.JSON(http.StatusCreated, toReceiptResponse(rc))
}

func parseDeposit(owner common.Address, body depositBody) (vault.DepositRequest, error) {
	token, err := parseAddress("token", body.Token)
	if err != nil {
		return vault.DepositRequest{}, err
	}
	amount, err := parseUint256("amount", body.Amount)
	if err != nil {
		return vault.DepositRequest{}, err
	}
	nonce, err := parseUint256("nonce", body.Nonce)
	if err != nil {
		return vault.DepositRequest{}, err
	}
	deadline, err := parseUint256("deadline", body.Deadline)
	if err != nil {
		return vault.DepositRequest{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(body.Signature, "0x"))
	if err != nil {
		return vault.DepositRequest{}, errMalformedSignature
	}
	return vault.DepositRequest{
		Owner:     owner,
		Token:     token,
		Amount:    amount,
		Nonce:     nonce,
		Deadline:  deadline,
		Signature: sig,
	}, nil
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (h *Handler) handleReceipt(c *gin.Context) {
	rc, err := h.vault.Receipt(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "deposit not found"})
		return
	}
	if err != nil {
		h.log.Error("get receipt", zap.String("deposit_id", c.Param("id")), zap.Error(err))
		writeError(c, http.StatusInternalServerError, vault.CodeInternal, "internal error")
		return
	}
	c.JSON(http.StatusOK, toReceiptResponse(rc))
}

func (h *Handler) handleBalance(c *gin.Context) {
	user, err := parseAddress("user", c.Param("user"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user address"})
		return
	}
	token, err := parseAddress("token", c.Param("token"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token address"})
		return
	}
	bal, err := h.vault.BalanceOf(c.Request.Context(), user, token)
	if err != nil {
		h.log.Error("get balance", zap.String("user", user.Hex()), zap.Error(err))
		writeError(c, http.StatusInternalServerError, vault.CodeInternal, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":    user.Hex(),
		"token":   token.Hex(),
		"balance": bal.String(),
	})
}

// handleTypedData returns the eth_signTypedData_v4 payload a depositor signs.
// The spender is always this vault.
func (h *Handler) handleTypedData(c *gin.Context) {
	token, err := parseAddress("token", c.Query("token"))
	if err != nil {
		writeError(c, http.StatusBadRequest, vault.CodeInvalidPermitFields, err.Error())
		return
	}
	p := permit.Permit{Token: token, Spender: h.vault.Address()}
	for _, f := range []struct {
		name string
		dst  **big.Int
	}{
		{"amount", &p.Amount},
		{"nonce", &p.Nonce},
		{"deadline", &p.Deadline},
	} {
		v, err := parseUint256(f.name, c.Query(f.name))
		if err != nil {
			writeError(c, http.StatusBadRequest, vault.CodeInvalidPermitFields, err.Error())
			return
		}
		*f.dst = v
	}

	codec := h.vault.Codec()
	td, err := codec.TypedData(p)
	if err != nil {
		writeError(c, http.StatusBadRequest, vault.CodeInvalidPermitFields, err.Error())
		return
	}
	digest, err := codec.Digest(p)
	if err != nil {
		writeError(c, http.StatusBadRequest, vault.CodeInvalidPermitFields, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"typed_data": td,
		"digest":     hexutil.Encode(digest[:]),
	})
}

func (h *Handler) handleInfo(c *gin.Context) {
	codec := h.vault.Codec()
	d := codec.Domain()
	sep := codec.DomainSeparator()
	c.JSON(http.StatusOK, gin.H{
		"vault":            h.vault.Address().Hex(),
		"authority":        d.VerifyingContract.Hex(),
		"chain_id":         d.ChainID.String(),
		"domain_name":      d.Name,
		"domain_version":   d.Version,
		"domain_separator": hexutil.Encode(sep[:]),
	})
}

// ── Parsing & errors ────────────────────────────────────────────────────────

var errMalformedSignature = fmt.Errorf("%w: not hex", sigverify.ErrInvalidSignature)

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidField(name, "not an address")
	}
	return common.HexToAddress(s), nil
}

// parseUint256 accepts decimal or 0x-prefixed hex.
func parseUint256(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, invalidField(name, "missing")
	}
	v, ok := math.ParseBig256(s)
	if !ok || v.Sign() < 0 {
		return nil, invalidField(name, "not a uint256")
	}
	return v, nil
}

func invalidField(name, reason string) error {
	return fmt.Errorf("%w: %s %s", permit.ErrInvalidPermitFields, name, reason)
}

// statusFor maps deposit errors to HTTP statuses.
func statusFor(err error) int {
	switch vault.Code(err) {
	case vault.CodeInvalidPermitFields, vault.CodePermitExpired:
		return http.StatusBadRequest
	case vault.CodeInvalidSignature:
		return http.StatusUnauthorized
	case vault.CodeNonceReused:
		return http.StatusConflict
	case vault.CodeTransferFailed:
		return http.StatusBadGateway
	case vault.CodeBalanceOverflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": msg})
}
