package peermap

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

func addr(id uint64) message.PeerAddress {
	return message.PeerAddress{
		PeerID: keyspace.NewNumber160FromInt(id),
		Socket: message.PeerSocketAddress{
			Addr:    netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			TCPPort: uint16(4000 + id),
			UDPPort: uint16(4000 + id),
		},
	}
}

func TestAddRefusesSelfAndZero(t *testing.T) {
	pm := New(keyspace.NewNumber160FromInt(1), 2)
	_, err := pm.Add(addr(1), true)
	require.ErrorIs(t, err, ErrSelfRefused)
	_, err = pm.Add(message.PeerAddress{}, true)
	require.ErrorIs(t, err, ErrZeroRefused)
}

func TestBucketIndexInvariant(t *testing.T) {
	self := keyspace.NewNumber160FromInt(0x1234)
	pm := New(self, 8)
	for i := uint64(1); i <= 64; i++ {
		_, _ = pm.Add(addr(i), true)
	}
	// 每个条目的桶索引等于 160 减去异或距离的位长度
	for _, pa := range pm.All() {
		want := BucketCount - self.Xor(pa.PeerID).BitLength()
		require.Equal(t, want, pm.bucketIndex(pa.PeerID))
	}
}

func TestVerifiedNeverEvicted(t *testing.T) {
	pm := New(keyspace.NewNumber160FromInt(1<<20), 1)

	// 两个落在同一个桶里的节点
	a := addr(2)
	b := addr(3)
	require.Equal(t, pm.bucketIndexFor(t, a.PeerID), pm.bucketIndexFor(t, b.PeerID))

	res, err := pm.Add(a, true)
	require.NoError(t, err)
	require.Equal(t, ResultInserted, res)

	// 桶已满,另一个已验证条目被拒绝
	res, err = pm.Add(b, true)
	require.NoError(t, err)
	require.Equal(t, ResultRejected, res)
}

// bucketIndexFor 暴露桶索引计算,仅测试使用
func (pm *PeerMap) bucketIndexFor(t *testing.T, id keyspace.Number160) int {
	t.Helper()
	return pm.bucketIndex(id)
}

func TestVerifiedReplacesOverflow(t *testing.T) {
	pm := New(keyspace.NewNumber160FromInt(1), 2)
	a := addr(5)

	res, err := pm.Add(a, false)
	require.NoError(t, err)
	require.Equal(t, ResultInserted, res)
	require.Len(t, pm.AllOverflow(), 1)
	require.Equal(t, 0, pm.Size())

	res, err = pm.Add(a, true)
	require.NoError(t, err)
	require.Equal(t, ResultInserted, res)
	require.Empty(t, pm.AllOverflow())
	require.Equal(t, 1, pm.Size())
}

func TestOverflowFIFOEviction(t *testing.T) {
	self := keyspace.NewNumber160FromInt(1 << 40)
	pm := New(self, 2)

	// 三个同桶的未验证条目,最早的被挤出
	ids := []uint64{2, 3, 6}
	for _, id := range ids {
		_, err := pm.Add(addr(id), false)
		require.NoError(t, err)
	}
	overflow := pm.AllOverflow()
	require.Len(t, overflow, 2)
	for _, pa := range overflow {
		require.NotEqual(t, keyspace.NewNumber160FromInt(2), pa.PeerID)
	}
}

func TestClosestPeersSortedAndBounded(t *testing.T) {
	pm := New(keyspace.NewNumber160FromInt(1), 8)
	for i := uint64(2); i <= 30; i++ {
		_, _ = pm.Add(addr(i), true)
	}
	target := keyspace.NewNumber160FromInt(16)
	closest := pm.ClosestPeers(target, 5)
	require.Len(t, closest, 5)
	for i := 1; i < len(closest); i++ {
		prev := closest[i-1].PeerID.Xor(target)
		cur := closest[i].PeerID.Xor(target)
		require.True(t, prev.Compare(cur) < 0, "结果必须按异或距离严格升序")
	}
	require.Equal(t, keyspace.NewNumber160FromInt(16), closest[0].PeerID)
}

func TestOfflineThreeTimesRemoved(t *testing.T) {
	pm := New(keyspace.NewNumber160FromInt(1), 4)
	a := addr(9)
	_, err := pm.Add(a, true)
	require.NoError(t, err)

	require.False(t, pm.Remove(a.PeerID, ReasonNotReachable))
	require.False(t, pm.Remove(a.PeerID, ReasonNotReachable))
	require.Equal(t, 1, pm.Size())
	require.True(t, pm.Remove(a.PeerID, ReasonNotReachable))
	require.Equal(t, 0, pm.Size())
}

func TestOfflineCounterResetOnContact(t *testing.T) {
	pm := New(keyspace.NewNumber160FromInt(1), 4)
	a := addr(9)
	_, err := pm.Add(a, true)
	require.NoError(t, err)

	pm.Remove(a.PeerID, ReasonNotReachable)
	pm.Remove(a.PeerID, ReasonNotReachable)
	pm.PeerFound(a)
	require.False(t, pm.Remove(a.PeerID, ReasonNotReachable))
	require.Equal(t, 1, pm.Size())
}

func TestShutdownRemovesImmediately(t *testing.T) {
	pm := New(keyspace.NewNumber160FromInt(1), 4)
	a := addr(9)
	_, _ = pm.Add(a, true)
	require.True(t, pm.Remove(a.PeerID, ReasonShutdown))
	require.Equal(t, 0, pm.Size())
}

type recordingListener struct {
	inserted []message.PeerAddress
	removed  []message.PeerAddress
	updated  []message.PeerAddress
}

func (r *recordingListener) PeerInserted(pa message.PeerAddress, verified bool) {
	r.inserted = append(r.inserted, pa)
}
func (r *recordingListener) PeerRemoved(pa message.PeerAddress, reason RemoveReason) {
	r.removed = append(r.removed, pa)
}
func (r *recordingListener) PeerUpdated(pa message.PeerAddress) {
	r.updated = append(r.updated, pa)
}

func TestListeners(t *testing.T) {
	pm := New(keyspace.NewNumber160FromInt(1), 4)
	rl := &recordingListener{}
	pm.AddListener(rl)

	a := addr(9)
	_, _ = pm.Add(a, true)
	require.Len(t, rl.inserted, 1)

	_, _ = pm.Add(a, true)
	require.Len(t, rl.updated, 1)

	pm.Remove(a.PeerID, ReasonShutdown)
	require.Len(t, rl.removed, 1)
}

func TestIsClosest(t *testing.T) {
	self := keyspace.NewNumber160FromInt(100)
	pm := New(self, 8)
	for i := uint64(1); i <= 10; i++ {
		_, _ = pm.Add(addr(i), true)
	}
	// 目标就在自身附近时自身入围
	require.True(t, pm.IsClosest(keyspace.NewNumber160FromInt(101), 3))
	// 目标被更近的节点包围时自身落选
	require.False(t, pm.IsClosest(keyspace.NewNumber160FromInt(2), 3))
}
