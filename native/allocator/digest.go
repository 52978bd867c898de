package allocator

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"kusd/crypto"
)

// RebalanceParams is the payload of a signed rebalance command.
type RebalanceParams struct {
	RWAWeight     uint64   `json:"rwaWeight"`
	LSTWeight     uint64   `json:"lstWeight"`
	DeFiWeight    uint64   `json:"defiWeight"`
	OptionsWeight uint64   `json:"optionsWeight"`
	Deadline      uint64   `json:"deadline"`
	Nonce         *big.Int `json:"nonce"`
}

// Weights returns the vector carried by the command.
func (p RebalanceParams) Weights() Weights {
	return Weights{RWA: p.RWAWeight, LST: p.LSTWeight, DeFi: p.DeFiWeight, Options: p.OptionsWeight}
}

// RebalanceDigest is keccak256 over the tightly packed encoding of
// (rwa, lst, defi, options, deadline, nonce) as uint256 words, the 20-byte
// allocator address and chainID as a uint256 word. Wallet tooling signs the
// digest with personal_sign.
func RebalanceDigest(p RebalanceParams, allocatorAddr crypto.Address, chainID *big.Int) ([]byte, error) {
	nonce := p.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	words := []*big.Int{
		new(big.Int).SetUint64(p.RWAWeight),
		new(big.Int).SetUint64(p.LSTWeight),
		new(big.Int).SetUint64(p.DeFiWeight),
		new(big.Int).SetUint64(p.OptionsWeight),
		new(big.Int).SetUint64(p.Deadline),
		nonce,
	}
	packed := make([]byte, 0, 32*7+crypto.AddressLength)
	for _, w := range words {
		word, err := packWord(w)
		if err != nil {
			return nil, err
		}
		packed = append(packed, word[:]...)
	}
	packed = append(packed, allocatorAddr[:]...)
	if chainID == nil {
		return nil, fmt.Errorf("allocator: chain id required")
	}
	word, err := packWord(chainID)
	if err != nil {
		return nil, err
	}
	packed = append(packed, word[:]...)
	return ethcrypto.Keccak256(packed), nil
}

func packWord(v *big.Int) ([32]byte, error) {
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return [32]byte{}, fmt.Errorf("allocator: value %s does not fit uint256", v)
	}
	return u.Bytes32(), nil
}

// SignRebalance produces the signature an automated signer submits with p.
func SignRebalance(key *crypto.PrivateKey, p RebalanceParams, allocatorAddr crypto.Address, chainID *big.Int) ([]byte, error) {
	digest, err := RebalanceDigest(p, allocatorAddr, chainID)
	if err != nil {
		return nil, err
	}
	return crypto.SignMessage(key, digest)
}
