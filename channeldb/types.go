package channeldb

import (
	"encoding/hex"

	"github.com/holiman/uint256"
)

// AddressSize is the length in bytes of a participant or asset address.
const AddressSize = 20

// HashSize is the length in bytes of the domain hash H used for lock
// hashes, hashlocks, and Merkle node combination.
const HashSize = 32

// Address identifies a channel participant or an asset, mirroring the
// 20-byte addresses of the on-chain netting contract this engine settles
// against.
type Address [AddressSize]byte

// String returns the hex-encoded address, 0x-prefixed.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Hash32 is the 32-byte output of the domain hash H, used both as a
// hashlock (H(secret)) and as a Merkle node/leaf hash.
type Hash32 [HashSize]byte

// String returns the hex-encoded hash, 0x-prefixed.
func (h Hash32) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash, the value reserved for an
// empty LockSet's Merkle root.
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

// BlockNumber is a height on the chain the ExternalChain adapter observes.
type BlockNumber uint64

// Amount is a u256 asset quantity. Every balance and distributable
// computation in this package goes through Amount's checked arithmetic
// rather than a machine integer, since the on-chain netting contract this
// engine settles against accepts arbitrary 256-bit values.
type Amount struct {
	v uint256.Int
}

// NewAmount returns an Amount equal to n.
func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// ZeroAmount is the additive identity.
var ZeroAmount = Amount{}

// Add returns a+b. It panics on u256 overflow: a channel whose accounting
// overflows 256 bits has a bug upstream of this package, not a condition to
// recover from.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		panic("channeldb: amount overflow")
	}
	return out
}

// Sub returns a-b and reports whether the subtraction underflowed. Callers
// must check ok; on underflow the returned Amount is not meaningful.
func (a Amount) Sub(b Amount) (out Amount, ok bool) {
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, false
	}
	return out, true
}

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Uint64 returns the amount truncated to a uint64, for callers (tests,
// logging) that know the value fits.
func (a Amount) Uint64() uint64 {
	return a.v.Uint64()
}

// String returns the base-10 representation of the amount.
func (a Amount) String() string {
	return a.v.Dec()
}

// Bytes32 returns the amount as a 32-byte big-endian array, the canonical
// on-the-wire encoding used by Lock.Bytes and the transfer header.
func (a Amount) Bytes32() [32]byte {
	return a.v.Bytes32()
}

// amountFromBytes32 parses the big-endian encoding produced by Bytes32.
func amountFromBytes32(b [32]byte) Amount {
	var a Amount
	a.v.SetBytes(b[:])
	return a
}
