package permit

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	domainNoVersionTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,uint256 chainId,address verifyingContract)",
	))
	tokenPermissionsTypeHash = crypto.Keccak256Hash([]byte(
		"TokenPermissions(address token,uint256 amount)",
	))
	permitTransferFromTypeHash = crypto.Keccak256Hash([]byte(
		"PermitTransferFrom(TokenPermissions permitted,address spender,uint256 nonce,uint256 deadline)" +
			"TokenPermissions(address token,uint256 amount)",
	))
)

// Codec turns permits into the EIP-712 digest a wallet signs for a fixed domain.
type Codec struct {
	domain    Domain
	separator [32]byte
}

// NewCodec validates the domain and precomputes its separator.
func NewCodec(d Domain) (*Codec, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("%w: empty domain name", ErrInvalidPermitFields)
	}
	if !fitsUint256(d.ChainID) || d.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("%w: chain id must be a positive uint256", ErrInvalidPermitFields)
	}
	if d.VerifyingContract == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero verifying contract", ErrInvalidPermitFields)
	}
	d.ChainID = new(big.Int).Set(d.ChainID)
	return &Codec{domain: d, separator: domainSeparator(d)}, nil
}

// Domain returns a copy of the codec's domain.
func (c *Codec) Domain() Domain {
	d := c.domain
	d.ChainID = new(big.Int).Set(c.domain.ChainID)
	return d
}

// DomainSeparator returns hashStruct(EIP712Domain).
func (c *Codec) DomainSeparator() [32]byte { return c.separator }

// Digest returns keccak256(0x1901 || domainSeparator || hashStruct(permit)).
func (c *Codec) Digest(p Permit) ([32]byte, error) {
	if err := p.Validate(); err != nil {
		return [32]byte{}, err
	}
	structHash := hashPermit(p)

	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], c.separator[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg), nil
}

// Validate rejects permits that cannot be encoded or can never be redeemed.
func (p Permit) Validate() error {
	switch {
	case p.Token == (common.Address{}):
		return fmt.Errorf("%w: zero token address", ErrInvalidPermitFields)
	case p.Spender == (common.Address{}):
		return fmt.Errorf("%w: zero spender address", ErrInvalidPermitFields)
	case !fitsUint256(p.Amount) || p.Amount.Sign() == 0:
		return fmt.Errorf("%w: amount must be a positive uint256", ErrInvalidPermitFields)
	case !fitsUint256(p.Nonce):
		return fmt.Errorf("%w: nonce must be a uint256", ErrInvalidPermitFields)
	case !fitsUint256(p.Deadline):
		return fmt.Errorf("%w: deadline must be a uint256", ErrInvalidPermitFields)
	}
	return nil
}

func fitsUint256(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(math.MaxBig256) <= 0
}

func domainSeparator(d Domain) [32]byte {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))

	// abi.encode: every element takes a 32-byte slot, addresses right-aligned.
	if d.Version == "" {
		encoded := make([]byte, 4*32)
		copy(encoded[0:32], domainNoVersionTypeHash[:])
		copy(encoded[32:64], nameHash[:])
		d.ChainID.FillBytes(encoded[64:96])
		copy(encoded[108:128], d.VerifyingContract.Bytes())
		return crypto.Keccak256Hash(encoded)
	}

	versionHash := crypto.Keccak256Hash([]byte(d.Version))
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.VerifyingContract.Bytes())
	return crypto.Keccak256Hash(encoded)
}

func hashPermit(p Permit) [32]byte {
	permitted := make([]byte, 3*32)
	copy(permitted[0:32], tokenPermissionsTypeHash[:])
	copy(permitted[44:64], p.Token.Bytes())
	p.Amount.FillBytes(permitted[64:96])
	permittedHash := crypto.Keccak256Hash(permitted)

	encoded := make([]byte, 5*32)
	copy(encoded[0:32], permitTransferFromTypeHash[:])
	copy(encoded[32:64], permittedHash[:])
	copy(encoded[76:96], p.Spender.Bytes())
	p.Nonce.FillBytes(encoded[96:128])
	p.Deadline.FillBytes(encoded[128:160])
	return crypto.Keccak256Hash(encoded)
}
