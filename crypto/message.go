package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an [R || S || V] secp256k1 signature.
const SignatureLength = 65

var ErrInvalidSignatureLength = errors.New("crypto: signature must be 65 bytes")

// SignMessage produces an EIP-191 personal_sign signature over msg. The
// recovery byte is returned in the 27/28 form wallets emit.
func SignMessage(key *PrivateKey, msg []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverMessageSigner returns the principal that produced an EIP-191
// signature over msg. Both 0/1 and 27/28 recovery bytes are accepted.
func RecoverMessageSigner(msg, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, ErrInvalidSignatureLength
	}
	normalized := append([]byte(nil), sig...)
	if v := normalized[crypto.RecoveryIDOffset]; v == 27 || v == 28 {
		normalized[crypto.RecoveryIDOffset] = v - 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return Address{}, fmt.Errorf("crypto: invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return Address(crypto.PubkeyToAddress(*pub)), nil
}
