package channeldb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockWatcherExpiredReturnsDueHandles(t *testing.T) {
	w := NewLockWatcher()

	h1 := ChannelHandle{Funding: ChannelID{Index: 1}}
	h2 := ChannelHandle{Funding: ChannelID{Index: 2}}

	w.Watch(h1, Hash32{0x1}, 100)
	w.Watch(h2, Hash32{0x2}, 200)
	require.Equal(t, 2, w.Len())

	due := w.Expired(150)
	require.ElementsMatch(t, []ChannelHandle{h1}, due)
	require.Equal(t, 1, w.Len())

	due = w.Expired(200)
	require.ElementsMatch(t, []ChannelHandle{h2}, due)
	require.Equal(t, 0, w.Len())
}

func TestLockWatcherForget(t *testing.T) {
	w := NewLockWatcher()
	h := ChannelHandle{Funding: ChannelID{Index: 1}}
	w.Watch(h, Hash32{0x1}, 100)

	w.Forget(Hash32{0x1})
	require.Equal(t, 0, w.Len())
	require.Empty(t, w.Expired(1000))
}

func TestLockWatcherReWatchMovesHeight(t *testing.T) {
	w := NewLockWatcher()
	h := ChannelHandle{Funding: ChannelID{Index: 1}}

	w.Watch(h, Hash32{0x1}, 100)
	w.Watch(h, Hash32{0x1}, 500)

	require.Empty(t, w.Expired(100))
	require.Equal(t, 1, w.Len())

	require.ElementsMatch(t, []ChannelHandle{h}, w.Expired(500))
}
