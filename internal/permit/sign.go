package permit

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/crypto"
)

// Sign signs the permit digest with key, returning R || S || V with V in
// {27, 28} as wallets emit it.
func Sign(c *Codec, p Permit, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := c.Digest(p)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
