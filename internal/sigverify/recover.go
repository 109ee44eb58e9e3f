// Package sigverify recovers Ethereum signers from 65-byte secp256k1
// signatures over a 32-byte digest.
package sigverify

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature covers malformed signatures as well as signatures that
// recover to no usable address.
var ErrInvalidSignature = errors.New("invalid signature")

// Recover extracts the signer address from sig over digest.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28} and S in the
// lower half of the curve order.
func Recover(digest []byte, sig []byte) (common.Address, error) {
	if len(digest) != crypto.DigestLength {
		return common.Address{}, fmt.Errorf("%w: digest length %d", ErrInvalidSignature, len(digest))
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(sig))
	}

	// Normalize V: Ethereum uses 27/28, ecrecover expects 0/1
	sigCopy := make([]byte, crypto.SignatureLength)
	copy(sigCopy, sig)
	switch sigCopy[64] {
	case 27, 28:
		sigCopy[64] -= 27
	case 0, 1:
	default:
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}

	r := new(big.Int).SetBytes(sigCopy[:32])
	s := new(big.Int).SetBytes(sigCopy[32:64])
	if !crypto.ValidateSignatureValues(sigCopy[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: r or s out of range", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(digest, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: ecrecover: %v", ErrInvalidSignature, err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: recovered zero address", ErrInvalidSignature)
	}
	return addr, nil
}

// Verify reports whether sig over digest was produced by expected. It never
// fails loudly; the caller decides what a mismatch means.
func Verify(digest []byte, sig []byte, expected common.Address) bool {
	if expected == (common.Address{}) {
		return false
	}
	addr, err := Recover(digest, sig)
	return err == nil && addr == expected
}
