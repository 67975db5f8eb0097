package channeldb

import "sync"

// watchedLock is a single outstanding lock a LockWatcher is tracking on
// behalf of some channel, along with enough identity to route a later
// claim or prune back to it.
type watchedLock struct {
	handle     ChannelHandle
	hashlock   Hash32
	expiration BlockNumber
}

// LockWatcher buckets outstanding locks by the block height at which they
// expire, so a host node can cheaply ask "what do I need to act on by
// height H" without scanning every channel's LockSet on every block. It is
// grounded on nursery_store.go's height-indexed crib/kindergarten staging:
// there, outputs are bucketed by the height their CLTV/CSV delay matures;
// here, locks are bucketed by the height their hashlock timeout expires.
//
// LockWatcher does not itself prune a channel's LockSet — expiration is
// the hosting node's signal to initiate an on-chain unlock-or-refund, not
// an automatic removal (spec.md §9's open question on expired-lock
// handling is resolved this way: LockSet never prunes itself).
type LockWatcher struct {
	mu sync.Mutex

	byHeight map[BlockNumber]map[Hash32]watchedLock
	byHash   map[Hash32]BlockNumber
}

// NewLockWatcher returns an empty LockWatcher.
func NewLockWatcher() *LockWatcher {
	return &LockWatcher{
		byHeight: make(map[BlockNumber]map[Hash32]watchedLock),
		byHash:   make(map[Hash32]BlockNumber),
	}
}

// Watch registers a lock for expiration tracking. Calling Watch again for
// a hashlock already tracked moves it to the new expiration height, which
// happens naturally when a mediated transfer is refunded with a shorter
// timeout further from the original sender.
func (w *LockWatcher) Watch(handle ChannelHandle, hashlock Hash32, expiration BlockNumber) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if oldHeight, ok := w.byHash[hashlock]; ok {
		w.removeLocked(oldHeight, hashlock)
	}

	bucket, ok := w.byHeight[expiration]
	if !ok {
		bucket = make(map[Hash32]watchedLock)
		w.byHeight[expiration] = bucket
	}
	bucket[hashlock] = watchedLock{handle: handle, hashlock: hashlock, expiration: expiration}
	w.byHash[hashlock] = expiration
}

// Forget stops tracking hashlock, e.g. once the owning channel has claimed
// or refunded it. Forgetting an untracked hashlock is a no-op.
func (w *LockWatcher) Forget(hashlock Hash32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	height, ok := w.byHash[hashlock]
	if !ok {
		return
	}
	w.removeLocked(height, hashlock)
}

func (w *LockWatcher) removeLocked(height BlockNumber, hashlock Hash32) {
	bucket := w.byHeight[height]
	delete(bucket, hashlock)
	if len(bucket) == 0 {
		delete(w.byHeight, height)
	}
	delete(w.byHash, hashlock)
}

// Expired returns every channel handle with a lock whose expiration is at
// or before height, and stops tracking them. The caller is responsible for
// acting on each one — typically by submitting an on-chain unlock-or-
// refund before the settle window closes.
func (w *LockWatcher) Expired(height BlockNumber) []ChannelHandle {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []ChannelHandle
	for h, bucket := range w.byHeight {
		if h > height {
			continue
		}
		for hashlock, wl := range bucket {
			due = append(due, wl.handle)
			delete(w.byHash, hashlock)
		}
		delete(w.byHeight, h)
	}
	return due
}

// Len returns the number of locks currently tracked.
func (w *LockWatcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byHash)
}
