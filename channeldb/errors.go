package channeldb

import "errors"

// Validation and state-machine errors surfaced by Channel. Every one of
// these is fatal to the message that triggered it: the channel's state is
// never partially mutated on any of them, per spec.md §7's propagation
// policy. Matching on a specific sentinel (via errors.Is) lets a caller
// decide whether to resync, request the counterparty retransmit a
// different message, or initiate an on-chain close.
var (
	// ErrAssetMismatch is returned when a transfer names an asset other
	// than the channel's.
	ErrAssetMismatch = errors.New("channeldb: asset address mismatch")

	// ErrUnknownRecipient is returned when a transfer's recipient is not
	// the receiving endpoint it is being applied to.
	ErrUnknownRecipient = errors.New("channeldb: unknown recipient")

	// ErrAddressMismatch is returned by RegisterTransfer when the
	// transfer's recipient names neither our nor the partner's address.
	ErrAddressMismatch = errors.New("channeldb: recipient matches neither channel party")

	// ErrUnsignedTransfer is returned when the sender recovered from the
	// transfer's signature does not match the expected party.
	ErrUnsignedTransfer = errors.New("channeldb: transfer sender mismatch")

	// ErrNegativeTransfer is returned when a transfer's transferred_amount
	// is less than the sender's currently recorded transferred_amount.
	ErrNegativeTransfer = errors.New("channeldb: transferred amount decreased")

	// ErrInvalidNonce is returned when a transfer's nonce is zero or does
	// not equal the sender's expected next nonce.
	ErrInvalidNonce = errors.New("channeldb: invalid nonce")

	// ErrInsufficientBalance is returned when a transfer or locked amount
	// exceeds the sender's distributable balance.
	ErrInsufficientBalance = errors.New("channeldb: insufficient distributable balance")

	// ErrInvalidLockTime is returned when a lock's expiration violates
	// the channel's reveal/settle timeout windows.
	ErrInvalidLockTime = errors.New("channeldb: invalid lock expiration")

	// ErrInvalidLocksRoot is returned when a transfer's committed
	// locksroot disagrees with the recomputed expected root.
	ErrInvalidLocksRoot = errors.New("channeldb: locksroot mismatch")

	// ErrInvalidSecret is returned when a claimed secret's hash does not
	// name any tracked lock.
	ErrInvalidSecret = errors.New("channeldb: secret does not unlock any known hashlock")

	// ErrChannelClosed is returned by the outbound message constructors
	// and by RegisterTransfer when the channel is not Open.
	ErrChannelClosed = errors.New("channeldb: channel is not open")

	// ErrInsufficientFunds is returned by the outbound constructors when
	// the requested amount exceeds the distributable balance.
	ErrInsufficientFunds = errors.New("channeldb: insufficient funds for transfer")

	// ErrUnknownHashlock is returned by CreateRefundTransferFor and
	// CreateTimeoutTransferFor when the referenced lock is not ours.
	ErrUnknownHashlock = errors.New("channeldb: unknown hashlock")

	// ErrUnknownAddress is returned by Channel.GetStateFor when the given
	// address names neither channel party.
	ErrUnknownAddress = errors.New("channeldb: address matches neither channel party")

	// ErrNoActiveChannel is returned by the persistence layer when a
	// lookup names a channel ID with no stored state.
	ErrNoActiveChannel = errors.New("channeldb: no active channel with that id")

	// ErrNoPastState is returned by DB.FindPreviousState when the delta
	// log has no entry for the requested nonce.
	ErrNoPastState = errors.New("channeldb: no past state at that nonce")
)
