package auth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain holds the typed structured-data domain parameters. The digest binds
// orders to one protocol deployment so a signature cannot be replayed against
// another chain or another verifying contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var (
	domainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	orderTypeHash = crypto.Keccak256(
		[]byte("Order(address trader,address instrument,uint8 side,uint256 size,uint256 leverage,uint256 price,uint8 orderType,uint256 deadline,uint256 nonce)"),
	)
)

// SignedOrder carries the raw wire-format values the trader signed. The
// digest must be computed over exactly what was submitted, so the 18-decimal
// integers stay untouched here; scale conversion happens after verification.
type SignedOrder struct {
	Trader     common.Address
	Instrument common.Address
	Side       uint8 // 1 = long, 2 = short
	Size       *big.Int
	Leverage   *big.Int
	Price      *big.Int
	OrderType  uint8 // 0 = market, 1 = limit
	Deadline   *big.Int
	Nonce      *big.Int
	Signature  []byte // 65 bytes r||s||v
}

// Separator computes the domain separator hash.
func (d *Domain) Separator() []byte {
	return crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		abiUint(d.ChainID),
		abiAddress(d.VerifyingContract),
	)
}

// Digest computes the signable digest for an order: keccak256(0x1901 ||
// domainSeparator || structHash) with the canonical field order above.
func (d *Domain) Digest(o *SignedOrder) []byte {
	structHash := crypto.Keccak256(
		orderTypeHash,
		abiAddress(o.Trader),
		abiAddress(o.Instrument),
		abiUint(big.NewInt(int64(o.Side))),
		abiUint(o.Size),
		abiUint(o.Leverage),
		abiUint(o.Price),
		abiUint(big.NewInt(int64(o.OrderType))),
		abiUint(o.Deadline),
		abiUint(o.Nonce),
	)

	return crypto.Keccak256(
		[]byte{0x19, 0x01},
		d.Separator(),
		structHash,
	)
}

// RecoverSigner recovers the signing address from an order's signature.
func (d *Domain) RecoverSigner(o *SignedOrder) (common.Address, error) {
	sig := make([]byte, len(o.Signature))
	copy(sig, o.Signature)

	if len(sig) != 65 {
		return common.Address{}, errSignatureLength
	}
	// Normalize V from 27/28 to 0/1 as secp256k1 recovery expects
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(d.Digest(o), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func abiAddress(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func abiUint(v *big.Int) []byte {
	if v == nil {
		v = big.NewInt(0)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
