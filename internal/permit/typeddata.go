package permit

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// PrimaryType is the Permit2 struct a deposit permit is signed as.
const PrimaryType = "PermitTransferFrom"

// TypedData renders the permit as an eth_signTypedData_v4 payload. Integers
// are decimal strings so JavaScript wallets do not lose precision.
func (c *Codec) TypedData(p Permit) (apitypes.TypedData, error) {
	if err := p.Validate(); err != nil {
		return apitypes.TypedData{}, err
	}

	domainFields := []apitypes.Type{{Name: "name", Type: "string"}}
	if c.domain.Version != "" {
		domainFields = append(domainFields, apitypes.Type{Name: "version", Type: "string"})
	}
	domainFields = append(domainFields,
		apitypes.Type{Name: "chainId", Type: "uint256"},
		apitypes.Type{Name: "verifyingContract", Type: "address"},
	)

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			PrimaryType: {
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
			"TokenPermissions": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              c.domain.Name,
			Version:           c.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(c.domain.ChainID)),
			VerifyingContract: c.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  p.Token.Hex(),
				"amount": p.Amount.String(),
			},
			"spender":  p.Spender.Hex(),
			"nonce":    p.Nonce.String(),
			"deadline": p.Deadline.String(),
		},
	}, nil
}
