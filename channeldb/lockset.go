package channeldb

import (
	"errors"
)

// ErrHashlockExists is returned by LockSet.Add when a lock with the same
// hashlock is already tracked; a hashlock must appear at most once in a
// LockSet (spec.md invariant I6).
var ErrHashlockExists = errors.New("channeldb: hashlock already present in lock set")

// ErrHashlockNotFound is returned by LockSet.Remove and LockSet.Proof when
// the requested hashlock is not tracked.
var ErrHashlockNotFound = errors.New("channeldb: hashlock not present in lock set")

// Lock is a claim on Amount that becomes redeemable when a secret whose
// hash is Hashlock is revealed, and expires at Expiration. A Lock is
// immutable once created.
type Lock struct {
	Amount     Amount
	Expiration BlockNumber
	Hashlock   Hash32
}

// Bytes returns the canonical byte encoding of the lock:
// amount (32, big-endian) || expiration (8, big-endian) || hashlock (32).
// This is the exact byte layout spec.md §6 fixes for lock hashing and for
// the on-chain unlock proof.
func (l Lock) Bytes() []byte {
	buf := make([]byte, 32+8+32)
	amt := l.Amount.Bytes32()
	copy(buf[0:32], amt[:])
	putUint64BE(buf[32:40], uint64(l.Expiration))
	copy(buf[40:72], l.Hashlock[:])
	return buf
}

// Hash returns H(lock.Bytes()), the leaf hash used in the owning LockSet's
// Merkle tree.
func (l Lock) Hash() Hash32 {
	return H(l.Bytes())
}

func putUint64BE(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

// entry pairs a tracked Lock with the message that created it, matching
// spec.md's "mapping from hashlock -> LockedTransfer".
type entry struct {
	transfer LockedTransfer
}

// LockSet is an accumulator of outstanding locks. It produces Merkle roots
// and inclusion proofs over the ordered sequence of lock hashes as they
// were inserted. LockSet is a pure data structure: it has no notion of
// which channel or party it belongs to, and performs no I/O.
//
// The zero value is not usable; construct with NewLockSet.
type LockSet struct {
	byHashlock map[Hash32]entry
	order      []Hash32 // lock hashes, insertion order

	rootValid bool
	root      Hash32
}

// NewLockSet returns an empty LockSet.
func NewLockSet() *LockSet {
	return &LockSet{
		byHashlock: make(map[Hash32]entry),
		rootValid:  true,
		root:       Hash32{},
	}
}

// Len returns the number of tracked locks.
func (s *LockSet) Len() int {
	return len(s.order)
}

// Contains reports whether hashlock names a tracked lock.
func (s *LockSet) Contains(hashlock Hash32) bool {
	_, ok := s.byHashlock[hashlock]
	return ok
}

// Get returns the LockedTransfer tracked under hashlock.
func (s *LockSet) Get(hashlock Hash32) (LockedTransfer, bool) {
	e, ok := s.byHashlock[hashlock]
	return e.transfer, ok
}

// Outstanding returns the sum of all tracked locks' amounts.
func (s *LockSet) Outstanding() Amount {
	total := ZeroAmount
	for _, h := range s.order {
		total = total.Add(s.byHashlock[h].transfer.Lock.Amount)
	}
	return total
}

// Add inserts transfer's lock into the set, keyed by its hashlock.
// Returns ErrHashlockExists if the hashlock is already tracked.
func (s *LockSet) Add(transfer LockedTransfer) error {
	hashlock := transfer.Lock.Hashlock
	if _, exists := s.byHashlock[hashlock]; exists {
		return ErrHashlockExists
	}

	s.byHashlock[hashlock] = entry{transfer: transfer}
	s.order = append(s.order, transfer.Lock.Hash())
	s.rootValid = false

	return nil
}

// Remove deletes the lock tracked under hashlock. Returns
// ErrHashlockNotFound if it isn't present.
func (s *LockSet) Remove(hashlock Hash32) error {
	e, ok := s.byHashlock[hashlock]
	if !ok {
		return ErrHashlockNotFound
	}

	lockHash := e.transfer.Lock.Hash()
	idx := -1
	for i, h := range s.order {
		if h == lockHash {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Invariant violation: byHashlock and order disagree.
		return ErrHashlockNotFound
	}

	s.order = append(s.order[:idx], s.order[idx+1:]...)
	delete(s.byHashlock, hashlock)
	s.rootValid = false

	return nil
}

// Root returns the Merkle root over the current ordered hash sequence,
// recomputing on cache miss. An empty set's root is the all-zero hash.
func (s *LockSet) Root() Hash32 {
	if !s.rootValid {
		s.root = merkleRoot(s.order)
		s.rootValid = true
	}
	return s.root
}

// RootWith returns what Root() would be if include were added to and/or
// exclude were removed from the set, without mutating the LockSet. It
// leaves the internal sequence byte-identical to its pre-call contents by
// working over a scratch copy rather than mutating and restoring — see
// spec.md §9's redesign note on replacing lock/restore with a virtual view.
//
// Passing an exclude lock that isn't tracked is not an error: the
// resulting root is simply computed as if nothing had been excluded.
func (s *LockSet) RootWith(include *LockedTransfer, exclude *Lock) Hash32 {
	view := make([]Hash32, 0, len(s.order)+1)
	view = append(view, s.order...)

	if exclude != nil {
		excludeHash := exclude.Hash()
		for i, h := range view {
			if h == excludeHash {
				view = append(view[:i], view[i+1:]...)
				break
			}
		}
	}

	if include != nil {
		view = append(view, include.Lock.Hash())
	}

	return merkleRoot(view)
}

// MerkleProof is the sibling chain that authenticates a leaf's inclusion
// under a Merkle root, in bottom-up order.
type MerkleProof struct {
	Leaf      Hash32
	Siblings  []Hash32
	// LeftFlags[i] reports whether Siblings[i] is the *left* sibling at
	// that level; i.e. whether the running hash should be combined as
	// hashNode(Siblings[i], running) rather than hashNode(running, Siblings[i]).
	LeftFlags []bool
}

// Proof returns the Merkle proof for the lock tracked under hashlock.
// Returns ErrHashlockNotFound if it isn't present.
func (s *LockSet) Proof(hashlock Hash32) (MerkleProof, error) {
	e, ok := s.byHashlock[hashlock]
	if !ok {
		return MerkleProof{}, ErrHashlockNotFound
	}

	leaf := e.transfer.Lock.Hash()
	idx := -1
	for i, h := range s.order {
		if h == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return MerkleProof{}, ErrHashlockNotFound
	}

	return buildProof(s.order, idx), nil
}

// VerifyProof reconstructs a root from proof and compares it to want,
// implementing spec.md §4.5's verification procedure: iteratively hash
// with siblings, compare to the committed root.
func VerifyProof(proof MerkleProof, want Hash32) bool {
	running := proof.Leaf
	for i, sib := range proof.Siblings {
		if proof.LeftFlags[i] {
			running = hashNode(sib, running)
		} else {
			running = hashNode(running, sib)
		}
	}
	return running == want
}

// merkleRoot computes the root of a fixed, binary Merkle tree over leaves
// in order. An empty slice yields the all-zero root. A level with an odd
// number of nodes promotes the duplicated last node upward, the
// conventional (Bitcoin-style) padding rule for an unbalanced tree.
func merkleRoot(leaves []Hash32) Hash32 {
	if len(leaves) == 0 {
		return Hash32{}
	}

	level := make([]Hash32, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([]Hash32, len(level)/2)
		for i := range next {
			next[i] = hashNode(level[2*i], level[2*i+1])
		}
		level = next
	}

	return level[0]
}

// buildProof mirrors merkleRoot's padding rule while recording, at each
// level, the sibling of the node at idx and whether that sibling sits to
// the left.
func buildProof(leaves []Hash32, idx int) MerkleProof {
	proof := MerkleProof{Leaf: leaves[idx]}

	level := make([]Hash32, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		isRight := idx%2 == 1
		var sibIdx int
		if isRight {
			sibIdx = idx - 1
		} else {
			sibIdx = idx + 1
		}
		proof.Siblings = append(proof.Siblings, level[sibIdx])
		proof.LeftFlags = append(proof.LeftFlags, isRight)

		next := make([]Hash32, len(level)/2)
		for i := range next {
			next[i] = hashNode(level[2*i], level[2*i+1])
		}
		level = next
		idx = idx / 2
	}

	return proof
}
