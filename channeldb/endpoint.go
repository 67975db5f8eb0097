package channeldb

import "github.com/davecgh/go-spew/spew"

// EndpointState tracks the accounting state of one participant in a
// channel: its on-chain deposit, cumulative amount transferred to the
// counterparty, outbound nonce, and the set of inbound locks it has
// accepted from the counterparty and can claim by revealing preimages.
//
// EndpointState has no notion of which channel it belongs to and performs
// no I/O; it is the leaf accounting primitive Channel orchestrates on both
// sides, grounded directly on raiden/channel.py's ChannelEndState.
type EndpointState struct {
	// Address identifies this participant.
	Address Address

	// ContractBalance is the on-chain deposit attributed to this party.
	ContractBalance Amount

	// TransferredAmount is the cumulative asset this party has sent to
	// the counterparty. It only ever increases.
	TransferredAmount Amount

	// Nonce is this party's next unused outbound sequence number. It
	// starts at 1, since the on-chain contract reserves 0 to mean "no
	// transfer yet."
	Nonce uint64

	// Locks is the set of inbound locks accepted from the counterparty.
	Locks *LockSet
}

// NewEndpointState returns a freshly opened EndpointState with the given
// address and on-chain deposit.
func NewEndpointState(address Address, contractBalance Amount) *EndpointState {
	return &EndpointState{
		Address:         address,
		ContractBalance: contractBalance,
		Nonce:           1,
		Locks:           NewLockSet(),
	}
}

// Balance returns this party's current settled balance against other:
// contract_balance - transferred_amount + other.transferred_amount.
func (s *EndpointState) Balance(other *EndpointState) Amount {
	bal, ok := s.ContractBalance.Add(other.TransferredAmount).Sub(s.TransferredAmount)
	if !ok {
		// Invariant I2/I4 guarantee TransferredAmount never exceeds
		// ContractBalance + inbound transfers; reaching this means an
		// earlier check was skipped.
		panic("channeldb: balance underflow, invariant violated")
	}
	return bal
}

// Distributable returns the amount this party can still commit to a new
// transfer: Balance(other) minus whatever the counterparty currently has
// locked against this party.
func (s *EndpointState) Distributable(other *EndpointState) Amount {
	bal := s.Balance(other)
	dist, ok := bal.Sub(other.Locks.Outstanding())
	if !ok {
		panic("channeldb: distributable underflow, invariant violated")
	}
	return dist
}

// UpdateContractBalance replaces the on-chain deposit attributed to this
// party, e.g. after the chain reports a top-up. No other field changes.
func (s *EndpointState) UpdateContractBalance(newBalance Amount) {
	s.ContractBalance = newBalance
}

// ClaimLocked releases the lock whose hashlock is H(secret) from s.Locks
// and credits its amount to partner.TransferredAmount. If expectedLocksroot
// is non-nil, the claim is rejected with ErrInvalidLocksRoot unless
// s.Locks.RootWith(exclude=lock) equals it.
//
// The counterparty's TransferredAmount and this endpoint's Locks change
// together as a single critical section: ClaimLocked either performs both
// mutations or neither, so no observer of either field can see one change
// without the other (spec.md §4.2).
//
// The secret itself is not retained here; persisting it until the next
// counterparty message acknowledges the unlocked funds is the caller's
// responsibility (spec.md §4.2).
func (s *EndpointState) ClaimLocked(partner *EndpointState, secret [32]byte, expectedLocksroot *Hash32) error {
	hashlock := H(secret[:])

	transfer, ok := s.Locks.Get(hashlock)
	if !ok {
		return ErrInvalidSecret
	}
	lock := transfer.Lock

	if expectedLocksroot != nil {
		got := s.Locks.RootWith(nil, &lock)
		if got != *expectedLocksroot {
			return ErrInvalidLocksRoot
		}
	}

	log.Debugf("claiming lock %s amount=%s on behalf of %s: %s",
		hashlock, lock.Amount, partner.Address, spew.Sdump(lock))

	// Critical write section: both mutations happen, or neither does.
	partner.TransferredAmount = partner.TransferredAmount.Add(lock.Amount)
	if err := s.Locks.Remove(hashlock); err != nil {
		// Unreachable: Get above already confirmed presence and nothing
		// between the two calls can remove it (no I/O, single-threaded
		// use per spec.md §5).
		panic("channeldb: lock vanished between Get and Remove")
	}

	return nil
}
