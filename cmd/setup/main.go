// cmd/setup prepares a depositor for the vault:
//
//  1. Approve: the depositor approves Permit2 to move the token (once per token)
//  2. Sign: optionally signs a PermitTransferFrom naming the vault as spender
//     and prints the POST /api/deposits body
//
// Usage:
//
//	DEPOSITOR_PRIVATE_KEY=0x<key> \
//	go run ./cmd/setup/ \
//	  --rpc      https://ethereum-sepolia-rpc.publicnode.com \
//	  --chain-id 11155111 \
//	  --token    0x<erc20> \
//	  --vault    0x<vault> --amount 200000000000000000000 --nonce 9
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/chain"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
)

func main() {
	rpc := flag.String("rpc", "https://ethereum-sepolia-rpc.publicnode.com", "RPC endpoint")
	chainID := flag.Int64("chain-id", 11155111, "Chain ID")
	tokenHex := flag.String("token", "", "ERC-20 token address")
	permit2Hex := flag.String("permit2", permit.Permit2AddressHex, "Permit2 address")
	approveAmt := flag.String("approve", "max", `Permit2 allowance to grant ("max" or base units, "0" to skip)`)
	vaultHex := flag.String("vault", "", "Vault address; when set, a deposit permit is signed")
	amount := flag.String("amount", "", "Deposit amount in base units")
	nonce := flag.String("nonce", "0", "Permit2 nonce")
	ttl := flag.Duration("ttl", 30*time.Minute, "Permit lifetime")
	flag.Parse()

	keyHex := strings.TrimPrefix(os.Getenv("DEPOSITOR_PRIVATE_KEY"), "0x")
	if keyHex == "" {
		fmt.Fprintln(os.Stderr, "error: DEPOSITOR_PRIVATE_KEY not set")
		os.Exit(1)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		fatalf("parse private key: %v", err)
	}
	if !common.IsHexAddress(*tokenHex) {
		fatalf("--token must be an address")
	}
	token := common.HexToAddress(*tokenHex)
	permit2Addr := common.HexToAddress(*permit2Hex)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	fmt.Printf("depositor: %s\n", owner.Hex())
	fmt.Printf("token:     %s\n", token.Hex())
	fmt.Printf("permit2:   %s\n", permit2Addr.Hex())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, *rpc)
	if err != nil {
		fatalf("dial rpc: %v", err)
	}
	defer eth.Close()

	client, err := chain.NewClient(ctx, eth, key, permit2Addr, big.NewInt(*chainID), zap.NewNop())
	if err != nil {
		fatalf("chain client: %v", err)
	}

	// ── 1. Approve Permit2 ────────────────────────────────────────────────────
	if *approveAmt != "0" {
		allowance := math.MaxBig256
		if *approveAmt != "max" {
			v, ok := math.ParseBig256(*approveAmt)
			if !ok {
				fatalf("invalid --approve %q", *approveAmt)
			}
			allowance = v
		}
		fmt.Println("\n[1/2] Approve Permit2...")
		tx, err := client.ApproveWith(ctx, key, token, permit2Addr, allowance)
		if err != nil {
			fatalf("approve: %v", err)
		}
		fmt.Printf("      tx: %s\n", tx.Hex())
		fmt.Println("      confirmed ✓")
	}
	current, err := client.Allowance(ctx, token, owner, permit2Addr)
	if err != nil {
		fatalf("allowance: %v", err)
	}
	fmt.Printf("      allowance: %s\n", current)

	if *vaultHex == "" {
		return
	}

	// ── 2. Sign the deposit permit ────────────────────────────────────────────
	fmt.Println("\n[2/2] Sign PermitTransferFrom...")
	if !common.IsHexAddress(*vaultHex) {
		fatalf("--vault must be an address")
	}
	amt, ok := math.ParseBig256(*amount)
	if !ok {
		fatalf("invalid --amount %q", *amount)
	}
	n, ok := math.ParseBig256(*nonce)
	if !ok {
		fatalf("invalid --nonce %q", *nonce)
	}
	p := permit.Permit{
		Token:    token,
		Amount:   amt,
		Spender:  common.HexToAddress(*vaultHex),
		Nonce:    n,
		Deadline: big.NewInt(time.Now().Add(*ttl).Unix()),
	}
	codec, err := permit.NewCodec(permit.Domain{
		Name:              permit.Permit2Name,
		ChainID:           big.NewInt(*chainID),
		VerifyingContract: permit2Addr,
	})
	if err != nil {
		fatalf("codec: %v", err)
	}
	sig, err := permit.Sign(codec, p, key)
	if err != nil {
		fatalf("sign: %v", err)
	}
	body, _ := json.MarshalIndent(map[string]string{
		"token":     p.Token.Hex(),
		"amount":    p.Amount.String(),
		"nonce":     p.Nonce.String(),
		"deadline":  p.Deadline.String(),
		"signature": hexutil.Encode(sig),
	}, "", "  ")
	fmt.Printf("\nPOST /api/deposits body:\n%s\n", body)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
