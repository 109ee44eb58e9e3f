// cmd/checkbal prints where a depositor's tokens are: in their wallet, in the
// vault's custody, and on the vault ledger, plus their Permit2 allowance.
//
// Usage:
//
//	go run ./cmd/checkbal/ \
//	  --rpc   https://ethereum-sepolia-rpc.publicnode.com \
//	  --token 0x<erc20> --owner 0x<depositor> --vault 0x<vault> \
//	  --api   http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-permit-vault/internal/chain"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
)

func main() {
	rpc := flag.String("rpc", "https://ethereum-sepolia-rpc.publicnode.com", "RPC endpoint")
	tokenHex := flag.String("token", "", "ERC-20 token address")
	ownerHex := flag.String("owner", "", "Depositor address")
	vaultHex := flag.String("vault", "", "Vault (operator) address")
	permit2Hex := flag.String("permit2", permit.Permit2AddressHex, "Permit2 address")
	apiURL := flag.String("api", "", "Vault API base URL (optional, for the ledger balance)")
	flag.Parse()

	for name, v := range map[string]string{"token": *tokenHex, "owner": *ownerHex, "vault": *vaultHex, "permit2": *permit2Hex} {
		if !common.IsHexAddress(v) {
			fatalf("--%s must be an address, got %q", name, v)
		}
	}
	token := common.HexToAddress(*tokenHex)
	owner := common.HexToAddress(*ownerHex)
	vaultAddr := common.HexToAddress(*vaultHex)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, *rpc)
	if err != nil {
		fatalf("dial rpc: %v", err)
	}
	defer eth.Close()

	erc20, err := chain.NewERC20(token, eth)
	if err != nil {
		fatalf("bind token: %v", err)
	}
	opts := &bind.CallOpts{Context: ctx}
	symbol, _ := erc20.Symbol(opts)
	ownerBal, err := erc20.BalanceOf(opts, owner)
	if err != nil {
		fatalf("balanceOf(owner): %v", err)
	}
	vaultBal, err := erc20.BalanceOf(opts, vaultAddr)
	if err != nil {
		fatalf("balanceOf(vault): %v", err)
	}
	allowance, err := erc20.Allowance(opts, owner, common.HexToAddress(*permit2Hex))
	if err != nil {
		fatalf("allowance: %v", err)
	}

	fmt.Printf("token:              %s %s\n", token.Hex(), symbol)
	fmt.Printf("owner balance:      %s\n", ownerBal)
	fmt.Printf("vault custody:      %s\n", vaultBal)
	fmt.Printf("permit2 allowance:  %s\n", allowance)

	if *apiURL != "" {
		ledger, err := ledgerBalance(ctx, *apiURL, owner, token)
		if err != nil {
			fatalf("ledger balance: %v", err)
		}
		fmt.Printf("ledger balance:     %s\n", ledger)
	}
}

func ledgerBalance(ctx context.Context, base string, owner, token common.Address) (string, error) {
	url := fmt.Sprintf("%s/api/balances/%s/%s", base, owner.Hex(), token.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	var out struct {
		Balance string `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return out.Balance, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
