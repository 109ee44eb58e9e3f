package permit

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidPermitFields is returned before any hashing when a permit or
// domain field is missing, zero, or does not fit its Solidity type.
var ErrInvalidPermitFields = errors.New("invalid permit fields")

// Permit2 deploys at the same CREATE2 address on every EVM chain.
const (
	Permit2Name       = "Permit2"
	Permit2AddressHex = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
)

var Permit2Address = common.HexToAddress(Permit2AddressHex)

// Permit is a Permit2 PermitTransferFrom: a one-shot authorization for
// Spender to pull Amount of Token from the signer before Deadline.
type Permit struct {
	Token    common.Address `json:"token"`
	Amount   *big.Int       `json:"amount"`
	Spender  common.Address `json:"spender"`
	Nonce    *big.Int       `json:"nonce"`
	Deadline *big.Int       `json:"deadline"`
}

// Domain is the EIP-712 domain a permit signature is bound to.
// VerifyingContract is the transfer authority, not the vault.
// An empty Version is left out of the EIP712Domain type entirely.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version,omitempty"`
	ChainID           *big.Int       `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
}

// Permit2Domain returns the domain the canonical Permit2 deployment signs under.
func Permit2Domain(chainID *big.Int) Domain {
	return Domain{
		Name:              Permit2Name,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: Permit2Address,
	}
}
