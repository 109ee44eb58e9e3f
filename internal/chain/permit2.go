package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ISignatureTransferTokenPermissions is the TokenPermissions tuple.
type ISignatureTransferTokenPermissions struct {
	Token  common.Address
	Amount *big.Int
}

// ISignatureTransferPermitTransferFrom is the PermitTransferFrom tuple.
type ISignatureTransferPermitTransferFrom struct {
	Permitted ISignatureTransferTokenPermissions
	Nonce     *big.Int
	Deadline  *big.Int
}

// ISignatureTransferSignatureTransferDetails is the SignatureTransferDetails tuple.
type ISignatureTransferSignatureTransferDetails struct {
	To              common.Address
	RequestedAmount *big.Int
}

// Permit2MetaData holds the subset of the Permit2 ABI the vault calls: the
// single-token signature transfer, the unordered nonce bitmap, and the
// domain separator.
var Permit2MetaData = &bind.MetaData{
	ABI: `[
{"type":"function","name":"DOMAIN_SEPARATOR","inputs":[],"outputs":[{"name":"","type":"bytes32","internalType":"bytes32"}],"stateMutability":"view"},
{"type":"function","name":"nonceBitmap","inputs":[{"name":"","type":"address","internalType":"address"},{"name":"","type":"uint256","internalType":"uint256"}],"outputs":[{"name":"","type":"uint256","internalType":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"permitTransferFrom","inputs":[
  {"name":"permit","type":"tuple","internalType":"struct ISignatureTransfer.PermitTransferFrom","components":[
    {"name":"permitted","type":"tuple","internalType":"struct ISignatureTransfer.TokenPermissions","components":[
      {"name":"token","type":"address","internalType":"address"},
      {"name":"amount","type":"uint256","internalType":"uint256"}]},
    {"name":"nonce","type":"uint256","internalType":"uint256"},
    {"name":"deadline","type":"uint256","internalType":"uint256"}]},
  {"name":"transferDetails","type":"tuple","internalType":"struct ISignatureTransfer.SignatureTransferDetails","components":[
    {"name":"to","type":"address","internalType":"address"},
    {"name":"requestedAmount","type":"uint256","internalType":"uint256"}]},
  {"name":"owner","type":"address","internalType":"address"},
  {"name":"signature","type":"bytes","internalType":"bytes"}],
 "outputs":[],"stateMutability":"nonpayable"}
]`,
}

// Permit2 is a Go binding around the Permit2 SignatureTransfer contract.
type Permit2 struct {
	contract *bind.BoundContract
}

func NewPermit2(address common.Address, backend bind.ContractBackend) (*Permit2, error) {
	parsed, err := Permit2MetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, errors.New("GetABI returned nil")
	}
	contract := bind.NewBoundContract(address, *parsed, backend, backend, backend)
	return &Permit2{contract: contract}, nil
}

// DOMAINSEPARATOR is a free data retrieval call binding the contract method 0x3644e515.
//
// Solidity: function DOMAIN_SEPARATOR() view returns(bytes32)
func (p *Permit2) DOMAINSEPARATOR(opts *bind.CallOpts) ([32]byte, error) {
	var out []interface{}
	err := p.contract.Call(opts, &out, "DOMAIN_SEPARATOR")
	if err != nil {
		return *new([32]byte), err
	}
	return *abi.ConvertType(out[0], new([32]byte)).(*[32]byte), nil
}

// NonceBitmap is a free data retrieval call binding the contract method 0x4fe02b44.
//
// Solidity: function nonceBitmap(address , uint256 ) view returns(uint256)
func (p *Permit2) NonceBitmap(opts *bind.CallOpts, owner common.Address, wordPos *big.Int) (*big.Int, error) {
	var out []interface{}
	err := p.contract.Call(opts, &out, "nonceBitmap", owner, wordPos)
	if err != nil {
		return new(big.Int), err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// PermitTransferFrom is a paid mutator transaction binding the contract method 0x30f28b7a.
//
// Solidity: function permitTransferFrom(((address,uint256),uint256,uint256) permit, (address,uint256) transferDetails, address owner, bytes signature) returns()
func (p *Permit2) PermitTransferFrom(opts *bind.TransactOpts, permit ISignatureTransferPermitTransferFrom, transferDetails ISignatureTransferSignatureTransferDetails, owner common.Address, signature []byte) (*types.Transaction, error) {
	return p.contract.Transact(opts, "permitTransferFrom", permit, transferDetails, owner, signature)
}
