package channeldb

import "golang.org/x/crypto/sha3"

// nodeDomain tags an internal Merkle node combination so that a pair of
// leaf hashes concatenated together can never be replayed as a single
// leaf's canonical bytes. The lock leaf hash itself, H(lock.as_bytes), is
// left exactly as spec.md §3 defines it — the domain separation described
// in §4.5 applies to combining nodes, not to the leaf hash formula.
var nodeDomain = []byte{0x01}

// H is the 32-byte domain hash referenced throughout spec.md: Keccak256,
// the hash function the on-chain netting contract this engine settles
// against uses for hashlocks and lock commitments.
func H(parts ...[]byte) Hash32 {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p)
	}
	var out Hash32
	copy(out[:], d.Sum(nil))
	return out
}

// hashNode combines two child hashes into their parent hash.
func hashNode(left, right Hash32) Hash32 {
	return H(nodeDomain, left[:], right[:])
}
