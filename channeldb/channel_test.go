package channeldb

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	height BlockNumber
	open   bool
}

func (f *fakeChain) BlockNumber() BlockNumber { return f.height }
func (f *fakeChain) IsOpen() bool             { return f.open }
func (f *fakeChain) RegisterChannelForHashlock(ChannelHandle, Hash32) {}

func newTestChannel(t *testing.T) (*Channel, *fakeChain) {
	t.Helper()

	chain := &fakeChain{height: 10, open: true}
	our := NewEndpointState(testAddress(1), NewAmount(1000))
	partner := NewEndpointState(testAddress(2), NewAmount(1000))

	funding := ChannelID{Hash: chainhash.Hash{0x1}, Index: 0}
	c := NewChannel(funding, our, partner, testAddress(0xaa), 10, 100, chain)
	return c, chain
}

func TestChannelBalanceAndDistributable(t *testing.T) {
	c, _ := newTestChannel(t)
	require.Equal(t, NewAmount(1000), c.Balance())
	require.Equal(t, NewAmount(1000), c.Distributable())
}

func TestChannelCreateAndRegisterDirectTransfer(t *testing.T) {
	c, _ := newTestChannel(t)

	transfer, err := c.CreateDirectTransfer(NewAmount(100), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), transfer.Nonce)
	require.Equal(t, NewAmount(100), transfer.TransferredAmount)

	require.NoError(t, c.RegisterTransfer(transfer))
	require.Equal(t, NewAmount(100), c.Our.TransferredAmount)
	require.Equal(t, uint64(2), c.Our.Nonce)
	require.Len(t, c.Sent, 1)

	require.Equal(t, NewAmount(900), c.Balance())
	require.Equal(t, NewAmount(1100), c.Partner.Balance(c.Our))
}

func TestChannelRegisterTransferRejectsWrongAsset(t *testing.T) {
	c, _ := newTestChannel(t)
	transfer, err := c.CreateDirectTransfer(NewAmount(10), nil)
	require.NoError(t, err)
	transfer.Asset = testAddress(0xff)

	err = c.RegisterTransfer(transfer)
	require.ErrorIs(t, err, ErrAssetMismatch)
}

func TestChannelRegisterTransferRejectsStaleNonce(t *testing.T) {
	c, _ := newTestChannel(t)
	transfer, err := c.CreateDirectTransfer(NewAmount(10), nil)
	require.NoError(t, err)

	require.NoError(t, c.RegisterTransfer(transfer))

	// Replaying the same nonce must be rejected, not silently re-applied.
	err = c.RegisterTransfer(transfer)
	require.ErrorIs(t, err, ErrInvalidNonce)
}

func TestChannelRegisterTransferRejectsInsufficientBalance(t *testing.T) {
	c, _ := newTestChannel(t)
	transfer, err := c.CreateDirectTransfer(NewAmount(1000), nil)
	require.NoError(t, err)
	transfer.TransferredAmount = NewAmount(5000)

	err = c.RegisterTransfer(transfer)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestChannelLockedTransferRoundTrip(t *testing.T) {
	c, _ := newTestChannel(t)

	var secret [32]byte
	secret[0] = 0x99
	hashlock := H(secret[:])

	locked, err := c.CreateLockedTransfer(NewAmount(50), 50, hashlock)
	require.NoError(t, err)

	require.NoError(t, c.RegisterTransfer(locked))
	require.True(t, c.Partner.Locks.Contains(hashlock))
	require.Equal(t, NewAmount(50), c.Locked())

	// Our balance hasn't moved yet — only the lock commitment has.
	require.Equal(t, NewAmount(1000), c.Balance())

	require.NoError(t, c.ClaimLocked(secret, nil))
	require.False(t, c.Partner.Locks.Contains(hashlock))
	require.Equal(t, NewAmount(50), c.Our.TransferredAmount)
}

func TestChannelLockedTransferRejectsBadExpiration(t *testing.T) {
	c, _ := newTestChannel(t)

	// Too close to the current height relative to RevealTimeout=10.
	_, err := c.CreateLockedTransfer(NewAmount(10), 15, Hash32{0x1})
	require.ErrorIs(t, err, ErrInvalidLockTime)

	// Past the settle timeout window.
	_, err = c.CreateLockedTransfer(NewAmount(10), 1000, Hash32{0x2})
	require.ErrorIs(t, err, ErrInvalidLockTime)
}

func TestChannelClaimLockedUnknownHashlock(t *testing.T) {
	c, _ := newTestChannel(t)
	var secret [32]byte
	err := c.ClaimLocked(secret, nil)
	require.ErrorIs(t, err, ErrUnknownHashlock)
}

func TestChannelClosedRejectsNewTransfers(t *testing.T) {
	c, chain := newTestChannel(t)
	chain.open = false

	_, err := c.CreateDirectTransfer(NewAmount(10), nil)
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelRegisterLockedTransferRejectsReusedHashlock(t *testing.T) {
	c, _ := newTestChannel(t)

	var secret [32]byte
	secret[0] = 0x55
	hashlock := H(secret[:])

	first, err := c.CreateLockedTransfer(NewAmount(10), 50, hashlock)
	require.NoError(t, err)
	require.NoError(t, c.RegisterTransfer(first))

	preNonce := c.Our.Nonce
	preTransferred := c.Our.TransferredAmount
	preRoot := c.Partner.Locks.Root()

	// A resubmission of the same hashlock with different terms computes a
	// locksroot via the same RootWith(include=...) call the first one
	// used, so it would pass the locksroot check on its own — the
	// duplicate must be caught before that, not slip through and leave
	// the lock set and the sender's nonce/transferred_amount out of sync.
	second, err := c.CreateLockedTransfer(NewAmount(99), 60, hashlock)
	require.NoError(t, err)

	err = c.RegisterTransfer(second)
	require.ErrorIs(t, err, ErrHashlockExists)

	require.Equal(t, preNonce, c.Our.Nonce)
	require.Equal(t, preTransferred, c.Our.TransferredAmount)
	require.Equal(t, preRoot, c.Partner.Locks.Root())
	require.Equal(t, 1, c.Partner.Locks.Len())
}

// TestChannelInterwovenTransfers is scenario S3: 100 sequential locked
// transfers with distinct secrets, revealing the previous step's secret on
// every even step, checked for synchronization after every step.
func TestChannelInterwovenTransfers(t *testing.T) {
	const deposit = 6000
	const steps = 100

	chain := &fakeChain{height: 10, open: true}
	funding := ChannelID{Hash: chainhash.Hash{0x2}, Index: 0}
	asset := testAddress(0xaa)

	aOur := NewEndpointState(testAddress(1), NewAmount(deposit))
	aPartner := NewEndpointState(testAddress(2), NewAmount(deposit))
	bOur := NewEndpointState(testAddress(2), NewAmount(deposit))
	bPartner := NewEndpointState(testAddress(1), NewAmount(deposit))

	channelA := NewChannel(funding, aOur, aPartner, asset, 3, 2000, chain)
	channelB := NewChannel(funding, bOur, bPartner, asset, 3, 2000, chain)

	assertSynchronized := func() {
		t.Helper()
		require.Equal(t, channelA.Our.TransferredAmount, channelB.Partner.TransferredAmount)
		require.Equal(t, channelA.Our.Nonce, channelB.Partner.Nonce)
		require.Equal(t, channelA.Partner.TransferredAmount, channelB.Our.TransferredAmount)
		require.Equal(t, channelA.Partner.Nonce, channelB.Our.Nonce)
		require.Equal(t, channelA.Partner.Locks.Root(), channelB.Our.Locks.Root())
		require.Equal(t, channelA.Our.Locks.Root(), channelB.Partner.Locks.Root())
		require.Equal(t, channelA.Partner.Locks.Outstanding(), channelB.Our.Locks.Outstanding())
	}

	secrets := make(map[int][32]byte, steps)
	var revealedSum, totalSum Amount = ZeroAmount, ZeroAmount

	for i := 1; i <= steps; i++ {
		var secret [32]byte
		secret[0] = byte(i)
		secret[1] = byte(i >> 8)
		secrets[i] = secret
		hashlock := H(secret[:])

		locked, err := channelA.CreateLockedTransfer(NewAmount(uint64(i)), 500, hashlock)
		require.NoError(t, err)
		require.NoError(t, channelA.RegisterTransfer(locked))
		require.NoError(t, channelB.RegisterTransfer(locked))
		totalSum = totalSum.Add(NewAmount(uint64(i)))

		if i%2 == 0 {
			revealStep := i - 1
			revealSecret := secrets[revealStep]
			require.NoError(t, channelA.ClaimLocked(revealSecret, nil))
			require.NoError(t, channelB.ClaimLocked(revealSecret, nil))
			revealedSum = revealedSum.Add(NewAmount(uint64(revealStep)))
		}

		assertSynchronized()
	}

	unrevealed, ok := totalSum.Sub(revealedSum)
	require.True(t, ok)

	wantDistributable, ok := NewAmount(deposit).Sub(totalSum)
	require.True(t, ok)
	require.Equal(t, wantDistributable, channelA.Distributable())
	require.Equal(t, unrevealed, channelB.Outstanding())
}

// TestChannelRejectsInvalidAllowanceWithValidSecret is scenario S4: a
// handcrafted DirectTransfer whose transferred_amount exceeds
// distributable, but which carries a secret that does unlock a real open
// lock, must still be rejected wholesale — the valid secret does not buy
// the oversized amount a pass, and the lock it names stays unclaimed.
func TestChannelRejectsInvalidAllowanceWithValidSecret(t *testing.T) {
	c, _ := newTestChannel(t)

	var secret [32]byte
	secret[0] = 0x77
	hashlock := H(secret[:])

	locked, err := c.CreateLockedTransfer(NewAmount(10), 50, hashlock)
	require.NoError(t, err)
	require.NoError(t, c.RegisterTransfer(locked))

	preOurTransferred := c.Our.TransferredAmount
	preOurNonce := c.Our.Nonce
	prePartnerTransferred := c.Partner.TransferredAmount
	preLocksRoot := c.Partner.Locks.Root()

	distributable := c.Our.Distributable(c.Partner)
	excessive := distributable.Add(NewAmount(1))

	forged := DirectTransfer{
		Header: Header{
			Nonce:             c.Our.Nonce,
			Asset:             c.AssetAddress,
			Sender:            c.Our.Address,
			Recipient:         c.Partner.Address,
			TransferredAmount: c.Our.TransferredAmount.Add(excessive),
			Locksroot:         c.Partner.Locks.RootWith(nil, &locked.Lock),
		},
		Secret: &secret,
	}

	err = c.RegisterTransfer(forged)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.Equal(t, preOurTransferred, c.Our.TransferredAmount)
	require.Equal(t, preOurNonce, c.Our.Nonce)
	require.Equal(t, prePartnerTransferred, c.Partner.TransferredAmount)
	require.Equal(t, preLocksRoot, c.Partner.Locks.Root())
	require.True(t, c.Partner.Locks.Contains(hashlock), "the lock must not be claimed by a rejected message")
}

// TestChannelLocksrootMovesOnAfterReveal is scenario S5: once a lock is
// revealed, the new commitment the sender puts on the wire already
// excludes it, so a proof built against the pre-reveal root can no longer
// verify against the channel's current locksroot — the double-unlock
// attempt spec.md §9's root_with(exclude=...) semantics exist to prevent.
func TestChannelLocksrootMovesOnAfterReveal(t *testing.T) {
	c, _ := newTestChannel(t)

	var secret [32]byte
	secret[0] = 0x88
	hashlock := H(secret[:])

	locked, err := c.CreateLockedTransfer(NewAmount(10), 30, hashlock)
	require.NoError(t, err)
	require.NoError(t, c.RegisterTransfer(locked))

	oldRoot := c.Partner.Locks.Root()
	proof, err := c.Partner.Locks.Proof(hashlock)
	require.NoError(t, err)
	require.True(t, VerifyProof(proof, oldRoot))

	// The unlocking DirectTransfer declares transferred_amount increased
	// by exactly the lock's value, formalizing the reveal on the wire.
	reveal, err := c.CreateDirectTransfer(NewAmount(10), &secret)
	require.NoError(t, err)
	require.NoError(t, c.RegisterTransfer(reveal))

	newRoot := c.Partner.Locks.Root()
	require.NotEqual(t, oldRoot, newRoot)
	require.Equal(t, newRoot, reveal.Locksroot)
	require.False(t, VerifyProof(proof, newRoot), "a proof against the stale root must not verify against the updated commitment")
}

// TestChannelSettlementProof is scenario S6: the lock holder can produce a
// Merkle proof for an outstanding lock and the accounting primitives a
// force-close settlement would net against contract_balance, independent
// of whether the counterparty ever acknowledges a later message.
func TestChannelSettlementProof(t *testing.T) {
	chain := &fakeChain{height: 10, open: true}
	funding := ChannelID{Hash: chainhash.Hash{0x3}, Index: 0}
	asset := testAddress(0xaa)

	aOur := NewEndpointState(testAddress(1), NewAmount(100))
	aPartner := NewEndpointState(testAddress(2), NewAmount(100))
	bOur := NewEndpointState(testAddress(2), NewAmount(100))
	bPartner := NewEndpointState(testAddress(1), NewAmount(100))

	channelA := NewChannel(funding, aOur, aPartner, asset, 3, 20, chain)
	channelB := NewChannel(funding, bOur, bPartner, asset, 3, 20, chain)

	var secret [32]byte
	secret[0] = 0x11
	hashlock := H(secret[:])

	locked, err := channelA.CreateLockedTransfer(NewAmount(10), 19, hashlock)
	require.NoError(t, err)

	// A never acknowledges beyond this single message; B still registers
	// the signed transfer it received and can unilaterally prove the lock.
	require.NoError(t, channelB.RegisterTransfer(locked))

	proof, err := channelB.Our.Locks.Proof(hashlock)
	require.NoError(t, err)
	require.True(t, VerifyProof(proof, channelB.Our.Locks.Root()))

	lock, ok := channelB.Our.Locks.Get(hashlock)
	require.True(t, ok)
	require.Equal(t, NewAmount(10), lock.Lock.Amount)

	newA, ok := channelB.Partner.ContractBalance.Sub(lock.Lock.Amount)
	require.True(t, ok)
	newB := channelB.Our.ContractBalance.Add(lock.Lock.Amount)

	require.Equal(t, NewAmount(90), newA)
	require.Equal(t, NewAmount(110), newB)
}

func TestChannelWatcherTracksAndForgetsLocks(t *testing.T) {
	c, _ := newTestChannel(t)
	c.Watcher = NewLockWatcher()

	var secret [32]byte
	secret[0] = 0x1
	hashlock := H(secret[:])

	locked, err := c.CreateLockedTransfer(NewAmount(10), 50, hashlock)
	require.NoError(t, err)
	require.NoError(t, c.RegisterTransfer(locked))
	require.Equal(t, 1, c.Watcher.Len())

	require.NoError(t, c.ClaimLocked(secret, nil))
	require.Equal(t, 0, c.Watcher.Len())
}
