// Package chain talks to the Permit2 transfer authority and ERC-20 tokens.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/config"
)

var (
	// ErrTransferFailed means Permit2 did not move the funds: the call could
	// not be estimated or signed, or it reverted.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrTransferPending means the pull was signed and possibly broadcast but
	// no receipt was observed. The transfer may still land; the nonce bitmap
	// decides.
	ErrTransferPending = fmt.Errorf("%w: receipt not observed", ErrTransferFailed)
)

// PullRequest is one permitTransferFrom call. Signature is forwarded verbatim.
type PullRequest struct {
	Token     common.Address
	Owner     common.Address
	To        common.Address
	Amount    *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
	Signature []byte

	// Broadcast, if set, is called with the signed tx hash before the
	// transaction is handed to the node.
	Broadcast func(txHash common.Hash)
}

// Backend is what the client needs from an RPC connection. *ethclient.Client
// and the simulated backend's client both satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client wraps go-ethereum with the Permit2 and ERC-20 bindings. Transactions
// are signed by the vault operator key, which is also the vault address.
type Client struct {
	backend     Backend
	permit2     *Permit2
	permit2Addr common.Address
	chainID     *big.Int
	operatorKey *ecdsa.PrivateKey
	log         *zap.Logger
}

// Dial connects to cfg.RPCURL and checks the node serves cfg.ChainID.
func Dial(ctx context.Context, cfg config.ChainConfig, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(cfg.OperatorKey))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	if !common.IsHexAddress(cfg.Permit2Address) {
		eth.Close()
		return nil, fmt.Errorf("invalid permit2 address %q", cfg.Permit2Address)
	}
	c, err := NewClient(ctx, eth, key, common.HexToAddress(cfg.Permit2Address), big.NewInt(cfg.ChainID), log)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return c, nil
}

func NewClient(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, permit2Addr common.Address, chainID *big.Int, log *zap.Logger) (*Client, error) {
	got, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if got.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("chain id mismatch: rpc serves %s, configured %s", got, chainID)
	}
	p2, err := NewPermit2(permit2Addr, backend)
	if err != nil {
		return nil, fmt.Errorf("bind permit2: %w", err)
	}
	return &Client{
		backend:     backend,
		permit2:     p2,
		permit2Addr: permit2Addr,
		chainID:     new(big.Int).Set(chainID),
		operatorKey: key,
		log:         log,
	}, nil
}

// Operator returns the address that signs pulls; deposits land here.
func (c *Client) Operator() common.Address { return crypto.PubkeyToAddress(c.operatorKey.PublicKey) }

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) Permit2Address() common.Address { return c.permit2Addr }

// transactOpts builds a *bind.TransactOpts signed by the operator key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.operatorKey, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

// Pull asks Permit2 to move req.Amount of req.Token from req.Owner to req.To
// and waits for the receipt until ctx is done. The tx hash is returned
// whenever a transaction was signed, including with ErrTransferPending.
func (c *Client) Pull(ctx context.Context, req PullRequest) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: build tx opts: %v", ErrTransferFailed, err)
	}

	permit := ISignatureTransferPermitTransferFrom{
		Permitted: ISignatureTransferTokenPermissions{Token: req.Token, Amount: req.Amount},
		Nonce:     req.Nonce,
		Deadline:  req.Deadline,
	}
	details := ISignatureTransferSignatureTransferDetails{To: req.To, RequestedAmount: req.Amount}

	// Estimate and sign only. Once signed, the hash is known and any send
	// error leaves the transfer undecided.
	opts.NoSend = true
	tx, err := c.permit2.PermitTransferFrom(opts, permit, details, req.Owner, req.Signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: permitTransferFrom: %v", ErrTransferFailed, err)
	}
	if req.Broadcast != nil {
		req.Broadcast(tx.Hash())
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return tx.Hash(), fmt.Errorf("%w: send tx %s: %v", ErrTransferPending, tx.Hash().Hex(), err)
	}
	c.log.Info("pull broadcast",
		zap.String("tx", tx.Hash().Hex()),
		zap.String("owner", req.Owner.Hex()),
		zap.String("token", req.Token.Hex()),
		zap.String("amount", req.Amount.String()),
		zap.String("nonce", req.Nonce.String()),
	)

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("%w: tx %s: %v", ErrTransferPending, tx.Hash().Hex(), err)
	}
	if receipt.Status == 0 {
		return tx.Hash(), fmt.Errorf("%w: tx reverted: %s", ErrTransferFailed, tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

// NonceUsed reports whether Permit2 has spent owner's unordered nonce.
func (c *Client) NonceUsed(ctx context.Context, owner common.Address, nonce *big.Int) (bool, error) {
	word, bit := NonceBitmapPosition(nonce)
	bitmap, err := c.permit2.NonceBitmap(&bind.CallOpts{Context: ctx}, owner, word)
	if err != nil {
		return false, fmt.Errorf("nonceBitmap: %w", err)
	}
	return bitmap.Bit(int(bit)) == 1, nil
}

// NonceBitmapPosition splits a Permit2 nonce into its bitmap word (high 248
// bits) and bit index (low 8 bits).
func NonceBitmapPosition(nonce *big.Int) (word *big.Int, bit uint) {
	word = new(big.Int).Rsh(nonce, 8)
	bit = uint(new(big.Int).And(nonce, big.NewInt(0xff)).Uint64())
	return word, bit
}

// DomainSeparator reads Permit2's DOMAIN_SEPARATOR().
func (c *Client) DomainSeparator(ctx context.Context) ([32]byte, error) {
	sep, err := c.permit2.DOMAINSEPARATOR(&bind.CallOpts{Context: ctx})
	if err != nil {
		return [32]byte{}, fmt.Errorf("DOMAIN_SEPARATOR: %w", err)
	}
	return sep, nil
}

func (c *Client) token(addr common.Address) (*ERC20, error) {
	t, err := NewERC20(addr, c.backend)
	if err != nil {
		return nil, fmt.Errorf("bind token %s: %w", addr.Hex(), err)
	}
	return t, nil
}

// BalanceOf returns holder's balance of token.
func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	t, err := c.token(token)
	if err != nil {
		return nil, err
	}
	bal, err := t.BalanceOf(&bind.CallOpts{Context: ctx}, holder)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return bal, nil
}

// Allowance returns how much spender may move of owner's token.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	t, err := c.token(token)
	if err != nil {
		return nil, err
	}
	a, err := t.Allowance(&bind.CallOpts{Context: ctx}, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	return a, nil
}

// ApproveWith approves spender for amount of token on behalf of key and waits
// for the receipt. The setup command uses it to approve Permit2 for a depositor.
func (c *Client) ApproveWith(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	t, err := c.token(token)
	if err != nil {
		return common.Hash{}, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build tx opts: %w", err)
	}
	opts.Context = ctx

	tx, err := t.Approve(opts, spender, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("approve tx: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return tx.Hash(), fmt.Errorf("approve reverted: %s", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
