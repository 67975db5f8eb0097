package channeldb

import "sync"

// ExternalChain is the narrow adapter boundary through which a Channel
// observes on-chain facts. It is implemented by the node's blockchain
// client; this package never talks to a chain directly (spec.md §4.3).
type ExternalChain interface {
	// BlockNumber returns the chain's current height.
	BlockNumber() BlockNumber

	// IsOpen reports whether the on-chain netting contract backing this
	// channel is open: opened_block != 0 and closed_block == 0.
	IsOpen() bool

	// RegisterChannelForHashlock asks the chain watcher to dispatch a
	// later-observed preimage for hashlock (whether learned off-chain or
	// from an on-chain log) back to the channel identified by handle.
	RegisterChannelForHashlock(handle ChannelHandle, hashlock Hash32)
}

// ChannelHandle is an opaque identifier a Channel presents to its
// ExternalChain so the chain watcher can dispatch a revealed secret back
// to the right channel without holding a direct reference to it — the
// "shared callback registry... model as an opaque identifier" design note
// in spec.md §9. A Channel's on-chain funding outpoint makes a natural
// handle.
type ChannelHandle struct {
	Funding ChannelID
}

// SecretDispatcher is implemented by whatever owns a set of live channels
// and can hand a revealed secret to the one that registered for its
// hashlock. ChainWatcher is the reference implementation.
type SecretDispatcher interface {
	Dispatch(hashlock Hash32, secret [32]byte) []ChannelHandle
}

// ChainWatcher is a minimal in-memory ExternalChain plus hashlock
// dispatch table, grounded on htlcswitch.go's circuitKey-indexed,
// mutex-guarded paymentCircuit map: there, a circuit is looked up by the
// rHash of the HTLC that created it; here, a set of waiting channel
// handles is looked up by the hashlock a channel registered interest in.
// ChainWatcher holds no reference to any Channel — only identifiers — so
// there is no ownership cycle between Channel and ExternalChain (spec.md
// §9's "cyclic ownership risk").
type ChainWatcher struct {
	mu sync.RWMutex

	blockNumber BlockNumber
	openedBlock BlockNumber
	closedBlock BlockNumber

	waiting map[Hash32][]ChannelHandle
}

// NewChainWatcher returns a ChainWatcher observing a channel opened at
// openedBlock (0 if not yet opened).
func NewChainWatcher(openedBlock BlockNumber) *ChainWatcher {
	return &ChainWatcher{
		openedBlock: openedBlock,
		waiting:     make(map[Hash32][]ChannelHandle),
	}
}

// AdvanceBlock sets the chain's current height, as observed by the host
// node's block source.
func (w *ChainWatcher) AdvanceBlock(height BlockNumber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blockNumber = height
}

// MarkClosed records the block at which the on-chain netting contract was
// closed.
func (w *ChainWatcher) MarkClosed(height BlockNumber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closedBlock = height
}

// BlockNumber implements ExternalChain.
func (w *ChainWatcher) BlockNumber() BlockNumber {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.blockNumber
}

// IsOpen implements ExternalChain.
func (w *ChainWatcher) IsOpen() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.openedBlock != 0 && w.closedBlock == 0
}

// RegisterChannelForHashlock implements ExternalChain.
func (w *ChainWatcher) RegisterChannelForHashlock(handle ChannelHandle, hashlock Hash32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waiting[hashlock] = append(w.waiting[hashlock], handle)
}

// Dispatch implements SecretDispatcher: it returns every channel handle
// that registered interest in hashlock and forgets them, so a given
// preimage reveal is only delivered once per registration.
func (w *ChainWatcher) Dispatch(hashlock Hash32, secret [32]byte) []ChannelHandle {
	w.mu.Lock()
	defer w.mu.Unlock()

	handles := w.waiting[hashlock]
	delete(w.waiting, hashlock)
	return handles
}
