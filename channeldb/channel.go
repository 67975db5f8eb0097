package channeldb

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

// ChannelID identifies a channel by the outpoint of the on-chain funding
// transaction that opened it, the same identity teacher code used for
// OpenChannel.ChanID.
type ChannelID = wire.OutPoint

// ChannelStatus is the coarse on-chain lifecycle state a Channel's
// ExternalChain reports.
type ChannelStatus int

const (
	// StatusOpen means opened_block != 0 and closed_block == 0.
	StatusOpen ChannelStatus = iota
	// StatusClosed means closed_block != 0 and settled_block == 0. A
	// closed channel still accepts ClaimLocked so a party can produce an
	// unlock proof for on-chain submission, but refuses every outbound
	// constructor and RegisterTransfer.
	StatusClosed
	// StatusSettled means the on-chain contract has paid out.
	StatusSettled
)

// Channel orchestrates two EndpointStates plus an ExternalChain handle: it
// validates and applies incoming transfers, constructs outbound transfer
// messages, and drives lock claims on secret reveal. Channel is grounded
// directly on raiden/channel.py's Channel class.
//
// A Channel must be used from a single goroutine at a time; spec.md §5
// specifies a single-threaded cooperative scheduling model per channel; a
// node hosting many channels may run channels concurrently with each other
// but must serialize operations within one.
type Channel struct {
	Funding ChannelID

	Our     *EndpointState
	Partner *EndpointState

	AssetAddress Address

	RevealTimeout BlockNumber
	SettleTimeout BlockNumber

	External ExternalChain

	// Watcher, if set, is notified of every lock this channel commits or
	// releases, so a host node can poll it for expirations due by a given
	// height instead of scanning every channel's LockSet.
	Watcher *LockWatcher

	Sent     []Transfer
	Received []Transfer

	status ChannelStatus
}

// NewChannel constructs an Open channel between our and partner, backed by
// external for chain facts. The constructors and RegisterTransfer all
// require external.IsOpen() at call time, not just at construction.
func NewChannel(funding ChannelID, our, partner *EndpointState, assetAddress Address,
	revealTimeout, settleTimeout BlockNumber, external ExternalChain) *Channel {

	return &Channel{
		Funding:       funding,
		Our:           our,
		Partner:       partner,
		AssetAddress:  assetAddress,
		RevealTimeout: revealTimeout,
		SettleTimeout: settleTimeout,
		External:      external,
		status:        StatusOpen,
	}
}

// Handle returns the opaque identifier this channel presents to its
// ExternalChain for hashlock dispatch.
func (c *Channel) Handle() ChannelHandle {
	return ChannelHandle{Funding: c.Funding}
}

// MarkClosed transitions the channel to Closed. Call this once the
// ExternalChain observer reports the on-chain contract was closed.
func (c *Channel) MarkClosed() {
	c.status = StatusClosed
}

// MarkSettled transitions the channel to Settled.
func (c *Channel) MarkSettled() {
	c.status = StatusSettled
}

// Status returns the channel's current lifecycle state.
func (c *Channel) Status() ChannelStatus {
	return c.status
}

// IsOpen reports whether the channel is currently open: its own status must
// be Open and the ExternalChain adapter must report the on-chain contract
// open.
func (c *Channel) IsOpen() bool {
	return c.status == StatusOpen && c.External.IsOpen()
}

// Balance returns our current settled balance against the partner.
func (c *Channel) Balance() Amount {
	return c.Our.Balance(c.Partner)
}

// Distributable returns the amount we can still commit to a new transfer.
func (c *Channel) Distributable() Amount {
	return c.Our.Distributable(c.Partner)
}

// Locked returns the amount of our asset the partner currently has locked
// waiting on a secret — i.e. locks we created that partner is holding.
func (c *Channel) Locked() Amount {
	return c.Partner.Locks.Outstanding()
}

// Outstanding returns the amount of asset we are holding locked, waiting
// for a secret to free it — i.e. locks the partner created that we hold.
func (c *Channel) Outstanding() Amount {
	return c.Our.Locks.Outstanding()
}

// GetStateFor returns whichever EndpointState belongs to address.
func (c *Channel) GetStateFor(address Address) (*EndpointState, error) {
	switch address {
	case c.Our.Address:
		return c.Our, nil
	case c.Partner.Address:
		return c.Partner, nil
	default:
		return nil, ErrUnknownAddress
	}
}

// RegisterTransfer validates and applies a signed transfer, routing it by
// msg.TransferHeader().Recipient: if it names the partner, the transfer is
// outbound (we are from); if it names us, it is inbound. Any other
// recipient is ErrAddressMismatch.
func (c *Channel) RegisterTransfer(msg Transfer) error {
	if !c.IsOpen() {
		return ErrChannelClosed
	}

	header := msg.TransferHeader()

	switch header.Recipient {
	case c.Partner.Address:
		if err := c.registerFromTo(msg, c.Our, c.Partner); err != nil {
			return err
		}
		c.Sent = append(c.Sent, msg)
		return nil

	case c.Our.Address:
		if err := c.registerFromTo(msg, c.Partner, c.Our); err != nil {
			return err
		}
		c.Received = append(c.Received, msg)
		return nil

	default:
		return ErrAddressMismatch
	}
}

// registerFromTo runs spec.md §4.4's validation sequence, aborting on the
// first failure with state left unchanged, then applies the transfer.
func (c *Channel) registerFromTo(msg Transfer, from, to *EndpointState) error {
	header := msg.TransferHeader()

	if header.Asset != c.AssetAddress {
		return ErrAssetMismatch
	}
	if header.Recipient != to.Address {
		return ErrUnknownRecipient
	}
	if header.Sender != from.Address {
		return ErrUnsignedTransfer
	}
	if header.TransferredAmount.Cmp(from.TransferredAmount) < 0 {
		return ErrNegativeTransfer
	}
	if header.Nonce < 1 || header.Nonce != from.Nonce {
		return ErrInvalidNonce
	}

	delta, ok := header.TransferredAmount.Sub(from.TransferredAmount)
	if !ok {
		return ErrNegativeTransfer
	}
	distributable := from.Distributable(to)
	if delta.Cmp(distributable) > 0 {
		return ErrInsufficientBalance
	}

	// Exhaustive tagged-sum match over the registrable transfer variants,
	// per spec.md §9's redesign note.
	switch t := msg.(type) {
	case DirectTransfer:
		if err := c.validateDirect(t); err != nil {
			return err
		}
	case LockedTransfer:
		if err := c.validateLocked(t, from, to, delta, distributable); err != nil {
			return err
		}
	case MediatedTransfer:
		if err := c.validateLocked(t.LockedTransfer, from, to, delta, distributable); err != nil {
			return err
		}
	case RefundTransfer:
		if err := c.validateLocked(t.LockedTransfer, from, to, delta, distributable); err != nil {
			return err
		}
	default:
		return fmt.Errorf("channeldb: unregistrable transfer type %T", msg)
	}

	// All checks passed: apply. Order matches spec.md §4.4.
	switch t := msg.(type) {
	case LockedTransfer:
		if err := c.applyLocked(t, to); err != nil {
			return err
		}
	case MediatedTransfer:
		if err := c.applyLocked(t.LockedTransfer, to); err != nil {
			return err
		}
	case RefundTransfer:
		if err := c.applyLocked(t.LockedTransfer, to); err != nil {
			return err
		}
	case DirectTransfer:
		if t.Secret != nil {
			if err := to.ClaimLocked(from, *t.Secret, &header.Locksroot); err != nil {
				return err
			}
			if c.Watcher != nil {
				c.Watcher.Forget(H(t.Secret[:]))
			}
		}
	}

	from.TransferredAmount = header.TransferredAmount
	from.Nonce++

	log.Debugf("registered transfer from=%s to=%s nonce=%d transferred=%s: %s",
		from.Address, to.Address, from.Nonce, from.TransferredAmount, spew.Sdump(msg))

	return nil
}

// validateDirect has no additional checks beyond the common header
// validation already performed in registerFromTo; it exists so the
// exhaustive switch in registerFromTo names every variant explicitly.
func (c *Channel) validateDirect(DirectTransfer) error {
	return nil
}

func (c *Channel) validateLocked(t LockedTransfer, from, to *EndpointState, delta, distributable Amount) error {
	// A sender can always compute a locksroot that matches its own
	// RootWith(include=t) call below, including for a hashlock it has
	// already opened with different terms — RootWith never dedupes
	// against an already-tracked hashlock. Reject the duplicate here,
	// before the locksroot check, instead of relying on LockSet.Add's
	// error surfacing after the fact. Compare raiden/channel.py's
	// LockedTransfers.add, which asserts the hashlock is unseen before
	// any state mutation.
	if to.Locks.Contains(t.Lock.Hashlock) {
		return ErrHashlockExists
	}

	lockSum := delta.Add(t.Lock.Amount)
	if lockSum.Cmp(distributable) > 0 {
		return ErrInsufficientBalance
	}

	block := c.External.BlockNumber()

	if !(uint64(t.Lock.Expiration)-uint64(block) < uint64(c.SettleTimeout)) {
		return ErrInvalidLockTime
	}
	if !(uint64(t.Lock.Expiration)-uint64(block) > uint64(c.RevealTimeout)) {
		return ErrInvalidLockTime
	}

	expected := to.Locks.RootWith(&t, nil)
	if expected != t.Header.Locksroot {
		return ErrInvalidLocksRoot
	}

	return nil
}

func (c *Channel) applyLocked(t LockedTransfer, to *EndpointState) error {
	if err := to.Locks.Add(t); err != nil {
		// validateLocked already rejects a tracked hashlock, so this is
		// unreachable in practice; propagate rather than swallow so a
		// future change to validateLocked can't silently reopen the
		// partial-application bug this guards against.
		return err
	}
	c.External.RegisterChannelForHashlock(c.Handle(), t.Lock.Hashlock)
	if c.Watcher != nil {
		c.Watcher.Watch(c.Handle(), t.Lock.Hashlock, t.Lock.Expiration)
	}
	return nil
}

// ClaimLocked releases the lock named by H(secret) on whichever side of
// the channel tracks it. Unlike the outbound constructors, this is
// permitted even when the channel is Closed, since producing the unlock
// proof for an on-chain submission requires it (spec.md §4.4).
func (c *Channel) ClaimLocked(secret [32]byte, locksroot *Hash32) error {
	hashlock := H(secret[:])

	var err error
	switch {
	case c.Our.Locks.Contains(hashlock):
		err = c.Our.ClaimLocked(c.Partner, secret, locksroot)
	case c.Partner.Locks.Contains(hashlock):
		err = c.Partner.ClaimLocked(c.Our, secret, locksroot)
	default:
		return ErrUnknownHashlock
	}

	if err == nil && c.Watcher != nil {
		c.Watcher.Forget(hashlock)
	}
	return err
}

// CreateDirectTransfer returns a DirectTransfer moving amount to the
// partner. If secret is non-nil, the returned transfer's locksroot is
// computed as if the lock it unlocks had already been removed, so that
// registering it (on either side) both moves the balance and releases the
// lock atomically from the wire's point of view.
//
// The returned message must be signed externally and registered with
// RegisterTransfer on this same channel before being sent, so our own view
// never advances past a message the partner might reject (spec.md §4.4).
func (c *Channel) CreateDirectTransfer(amount Amount, secret *[32]byte) (DirectTransfer, error) {
	if !c.IsOpen() {
		return DirectTransfer{}, ErrChannelClosed
	}

	distributable := c.Our.Distributable(c.Partner)
	if amount.IsZero() || amount.Cmp(distributable) > 0 {
		return DirectTransfer{}, ErrInsufficientFunds
	}

	// Critical read section: transferred_amount and the partner's
	// locksroot must be read together, since both end up in the same
	// outbound message and must describe the same moment.
	transferredAmount := c.Our.TransferredAmount.Add(amount)
	var locksroot Hash32
	if secret != nil {
		hashlock := H(secret[:])
		lock, ok := c.Partner.Locks.Get(hashlock)
		if !ok {
			return DirectTransfer{}, ErrInvalidSecret
		}
		locksroot = c.Partner.Locks.RootWith(nil, &lock.Lock)
	} else {
		locksroot = c.Partner.Locks.Root()
	}

	return DirectTransfer{
		Header: Header{
			Nonce:             c.Our.Nonce,
			Asset:             c.AssetAddress,
			Sender:            c.Our.Address,
			Recipient:         c.Partner.Address,
			TransferredAmount: transferredAmount,
			Locksroot:         locksroot,
		},
		Secret: secret,
	}, nil
}

// CreateLockedTransfer returns a LockedTransfer that commits a new lock of
// amount, expiration, hashlock into the partner's view of our outstanding
// locks. The returned message carries the same transferred_amount we
// currently have on record: no net balance moves until the lock is later
// claimed by secret reveal.
func (c *Channel) CreateLockedTransfer(amount Amount, expiration BlockNumber, hashlock Hash32) (LockedTransfer, error) {
	if !c.IsOpen() {
		return LockedTransfer{}, ErrChannelClosed
	}

	block := c.External.BlockNumber()
	if !(uint64(expiration)-uint64(block) < uint64(c.SettleTimeout)) {
		return LockedTransfer{}, ErrInvalidLockTime
	}
	if !(uint64(expiration)-uint64(block) > uint64(c.RevealTimeout)) {
		return LockedTransfer{}, ErrInvalidLockTime
	}

	distributable := c.Our.Distributable(c.Partner)
	if amount.IsZero() || amount.Cmp(distributable) > 0 {
		return LockedTransfer{}, ErrInsufficientFunds
	}

	lock := Lock{Amount: amount, Expiration: expiration, Hashlock: hashlock}
	lt := LockedTransfer{Lock: lock}

	// Critical read section: transferred_amount and the updated locksroot
	// must come from the same moment.
	transferredAmount := c.Our.TransferredAmount
	updatedLocksroot := c.Partner.Locks.RootWith(&lt, nil)

	return LockedTransfer{
		Header: Header{
			Nonce:             c.Our.Nonce,
			Asset:             c.AssetAddress,
			Sender:            c.Our.Address,
			Recipient:         c.Partner.Address,
			TransferredAmount: transferredAmount,
			Locksroot:         updatedLocksroot,
		},
		Lock: lock,
	}, nil
}

// CreateMediatedTransfer wraps CreateLockedTransfer with routing fields for
// a multi-hop payment. Fee computation and path selection are out of
// scope; the caller supplies fee directly.
func (c *Channel) CreateMediatedTransfer(initiator, target Address, fee, amount Amount,
	expiration BlockNumber, hashlock Hash32) (MediatedTransfer, error) {

	locked, err := c.CreateLockedTransfer(amount, expiration, hashlock)
	if err != nil {
		return MediatedTransfer{}, err
	}

	return MediatedTransfer{
		LockedTransfer: locked,
		Initiator:      initiator,
		Target:         target,
		Fee:            fee,
	}, nil
}

// CreateRefundTransferFor mirrors transfer's lock back to its sender.
// transfer.Lock.Hashlock must already be tracked in our own lock set.
func (c *Channel) CreateRefundTransferFor(transfer LockedTransfer) (RefundTransfer, error) {
	if !c.Our.Locks.Contains(transfer.Lock.Hashlock) {
		return RefundTransfer{}, ErrUnknownHashlock
	}

	locked, err := c.CreateLockedTransfer(transfer.Lock.Amount, transfer.Lock.Expiration, transfer.Lock.Hashlock)
	if err != nil {
		return RefundTransfer{}, err
	}

	return RefundTransfer{LockedTransfer: locked}, nil
}

// CreateTimeoutTransferFor returns a TransferTimeout for transfer.
// transfer.Lock.Hashlock must already be tracked in our own lock set.
func (c *Channel) CreateTimeoutTransferFor(transfer LockedTransfer, transferHash Hash32) (TransferTimeout, error) {
	if !c.IsOpen() {
		return TransferTimeout{}, ErrChannelClosed
	}
	if !c.Our.Locks.Contains(transfer.Lock.Hashlock) {
		return TransferTimeout{}, ErrUnknownHashlock
	}

	return TransferTimeout{
		TransferHash: transferHash,
		Hashlock:     transfer.Lock.Hashlock,
	}, nil
}
