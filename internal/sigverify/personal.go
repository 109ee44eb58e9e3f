package sigverify

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashPersonalMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashPersonalMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// RecoverPersonal extracts the signer of an EIP-191 personal_sign signature.
func RecoverPersonal(msg []byte, sig []byte) (common.Address, error) {
	return Recover(HashPersonalMessage(msg), sig)
}
