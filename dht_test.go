package stordht

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/stordht/future"
	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/storage"
	"github.com/dep2p/stordht/transport"
)

// createPeers 在进程内网络上装配 n 个互相完美路由的节点
func createPeers(t *testing.T, n int, opts ...Option) ([]*Peer, *transport.Network) {
	t.Helper()
	net := transport.NewNetwork()
	peers := make([]*Peer, n)
	for i := 0; i < n; i++ {
		id := keyspace.HashOf([]byte{byte(i)})
		p, err := New(id, append([]Option{WithNetwork(net)}, opts...)...)
		require.NoError(t, err)
		peers[i] = p
	}
	for i, p := range peers {
		for j, q := range peers {
			if i == j {
				continue
			}
			_, err := p.PeerMap().Add(q.Address(), true)
			require.NoError(t, err)
		}
	}
	t.Cleanup(func() {
		for _, p := range peers {
			<-p.Shutdown(context.Background()).AwaitDone()
		}
	})
	return peers, net
}

func closestTo(peers []*Peer, target keyspace.Number160) []*Peer {
	sorted := append([]*Peer(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		return keyspace.Closer(sorted[i].Self(), sorted[j].Self(), target)
	})
	return sorted
}

func TestBootstrapAndPing(t *testing.T) {
	peers, _ := createPeers(t, 10)
	ctx := context.Background()

	for _, p := range peers[1:] {
		require.NoError(t, peers[0].Ping(ctx, p.Address()).Await(ctx))
	}
	require.Equal(t, 9, peers[0].PeerMap().Size())
}

func TestBootstrapFromScratch(t *testing.T) {
	net := transport.NewNetwork()
	seed, err := New(keyspace.HashOf([]byte("seed")), WithNetwork(net))
	require.NoError(t, err)
	joiner, err := New(keyspace.HashOf([]byte("joiner")), WithNetwork(net))
	require.NoError(t, err)
	t.Cleanup(func() {
		<-seed.Shutdown(context.Background()).AwaitDone()
		<-joiner.Shutdown(context.Background()).AwaitDone()
	})

	ctx := context.Background()
	require.NoError(t, joiner.Bootstrap(ctx, []message.PeerAddress{seed.Address()}).Await(ctx))
	require.Equal(t, 1, joiner.PeerMap().Size())
	require.Equal(t, 1, seed.PeerMap().Size())
}

func TestPutGetSinglePeer(t *testing.T) {
	peers, _ := createPeers(t, 1)
	ctx := context.Background()

	key := keyspace.NewKey640(keyspace.HashOf([]byte("solo")), keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)
	require.NoError(t, peers[0].Put(ctx, key, message.NewData([]byte("v"))).Await(ctx))

	fg := peers[0].Get(ctx, key)
	require.NoError(t, fg.Await(ctx))
	require.NotNil(t, fg.Data(key))
	require.Equal(t, []byte("v"), fg.Data(key).Payload())
}

func TestPutGetUnderReplication(t *testing.T) {
	peers, _ := createPeers(t, 10, ReplicationFactor(3))
	ctx := context.Background()

	loc := keyspace.HashOf([]byte("apple"))
	key := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)

	ranked := closestTo(peers, loc)
	putter := ranked[len(ranked)-1]
	require.NoError(t, putter.Put(ctx, key, message.NewData([]byte("red"))).Await(ctx))

	// 距位置键最近的节点下线
	<-ranked[0].Shutdown(ctx).AwaitDone()

	getter := ranked[len(ranked)-2]
	fg := getter.Get(ctx, key)
	require.NoError(t, fg.Await(ctx))
	got := fg.Data(key)
	require.NotNil(t, got)
	require.Equal(t, []byte("red"), got.Payload())
}

func TestTTLExpiryDistributed(t *testing.T) {
	peers, _ := createPeers(t, 5)
	ctx := context.Background()

	key := keyspace.NewKey640(keyspace.HashOf([]byte("volatile")), keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)
	require.NoError(t, peers[0].Put(ctx, key, message.NewData([]byte("x")).SetTTLSeconds(1)).Await(ctx))

	time.Sleep(2100 * time.Millisecond)

	fg := peers[1].Get(ctx, key)
	require.NoError(t, fg.Await(ctx))
	require.Nil(t, fg.Data(key))

	// 清扫后后端里也不再有这个键
	for _, p := range peers {
		p.Storage().CheckTimeout()
		require.False(t, p.Storage().Backend().Contains(key))
	}
}

func TestDomainProtectionDistributed(t *testing.T) {
	peers, _ := createPeers(t, 6)
	ctx := context.Background()

	kpA, err := message.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := message.GenerateKeyPair()
	require.NoError(t, err)

	loc := keyspace.HashOf([]byte("shared-location"))
	domain := keyspace.HashOf([]byte("shared-domain"))
	keyA := keyspace.NewKey640(loc, domain, keyspace.NewNumber160FromInt(1), keyspace.Zero160)
	keyB := keyspace.NewKey640(loc, domain, keyspace.NewNumber160FromInt(2), keyspace.Zero160)

	require.NoError(t, peers[0].Put(ctx, keyA, message.NewData([]byte("a")),
		WithPublicKey(kpA.Public), ClaimDomain()).Await(ctx))

	fb := peers[1].Put(ctx, keyB, message.NewData([]byte("b")),
		WithPublicKey(kpB.Public), ClaimDomain())
	require.Error(t, fb.Await(ctx))
	require.Equal(t, storage.PutFailedSecurity, fb.Status())
}

func TestSignedPutVerifiedOnReplica(t *testing.T) {
	peers, _ := createPeers(t, 4)
	ctx := context.Background()

	kp, err := message.GenerateKeyPair()
	require.NoError(t, err)

	key := keyspace.NewKey640(keyspace.HashOf([]byte("signed")), keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)
	require.NoError(t, peers[0].Put(ctx, key, message.NewData([]byte("payload")), SignWith(kp)).Await(ctx))

	fg := peers[1].Get(ctx, key)
	require.NoError(t, fg.Await(ctx))
	got := fg.Data(key)
	require.NotNil(t, got)
	require.True(t, got.IsSigned())
	ok, err := got.Verify(got.PublicKey(), message.DSAFactory{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAddStoresUnderContentHash(t *testing.T) {
	peers, _ := createPeers(t, 4)
	ctx := context.Background()

	loc := keyspace.HashOf([]byte("add-loc"))
	d := message.NewData([]byte("added"))
	fp, key := peers[0].Add(ctx, loc, d)
	require.NoError(t, fp.Await(ctx))
	require.Equal(t, d.Hash(), key.Content)

	fg := peers[1].Get(ctx, key)
	require.NoError(t, fg.Await(ctx))
	require.NotNil(t, fg.Data(key))
}

func TestGetRangeDistributed(t *testing.T) {
	peers, _ := createPeers(t, 5)
	ctx := context.Background()

	loc := keyspace.HashOf([]byte("range"))
	for i := uint64(1); i <= 3; i++ {
		k := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.NewNumber160FromInt(i), keyspace.Zero160)
		require.NoError(t, peers[0].Put(ctx, k, message.NewData([]byte{byte(i)})).Await(ctx))
	}

	fg := peers[2].GetRange(ctx, keyspace.MinKey640(loc), keyspace.MaxKey640(loc), nil, nil)
	require.NoError(t, fg.Await(ctx))
	require.Len(t, fg.DataMap(), 3)
}

func TestRemoveDistributed(t *testing.T) {
	peers, _ := createPeers(t, 5)
	ctx := context.Background()

	key := keyspace.NewKey640(keyspace.HashOf([]byte("to-remove")), keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)
	require.NoError(t, peers[0].Put(ctx, key, message.NewData([]byte("x"))).Await(ctx))

	fr := peers[1].Remove(ctx, key, nil)
	require.NoError(t, fr.Await(ctx))
	require.Contains(t, fr.Removed(), key)

	fg := peers[2].Get(ctx, key)
	require.NoError(t, fg.Await(ctx))
	require.Nil(t, fg.Data(key))
}

func TestDigestDistributed(t *testing.T) {
	peers, _ := createPeers(t, 5)
	ctx := context.Background()

	loc := keyspace.HashOf([]byte("digest-loc"))
	d := message.NewData([]byte("content"))
	key := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.NewNumber160FromInt(1), keyspace.Zero160)
	require.NoError(t, peers[0].Put(ctx, key, d).Await(ctx))

	fd := peers[3].Digest(ctx, keyspace.Key320{Location: loc, Domain: keyspace.Zero160}, nil, nil)
	require.NoError(t, fd.Await(ctx))
	h, ok := fd.Digest().Get(key)
	require.True(t, ok)
	require.Equal(t, d.Hash(), h)
}

func TestRelayRoundTrip(t *testing.T) {
	peers, net := createPeers(t, 6)
	ctx := context.Background()

	unreachable, err := New(keyspace.HashOf([]byte("unreachable")), WithNetwork(net), BehindFirewall())
	require.NoError(t, err)
	t.Cleanup(func() { <-unreachable.Shutdown(context.Background()).AwaitDone() })

	require.NoError(t, unreachable.Bootstrap(ctx, []message.PeerAddress{peers[0].Address()}).Await(ctx))
	require.True(t, unreachable.Address().Relayed)
	require.NotEmpty(t, unreachable.Address().Relays)

	// 其他节点把数据写到不可达节点自己的ID上
	key := keyspace.NewKey640(unreachable.Self(), keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)
	require.NoError(t, peers[3].Put(ctx, key, message.NewData([]byte("via-relay"))).Await(ctx))

	require.Eventually(t, func() bool {
		return unreachable.Storage().Contains(key)
	}, 5*time.Second, 50*time.Millisecond, "数据应该经中继落到不可达节点")
}

func TestBroadcast(t *testing.T) {
	peers, _ := createPeers(t, 5)
	ctx := context.Background()

	var mu sync.Mutex
	received := make(map[keyspace.Number160]int)
	for _, p := range peers {
		p.SetBroadcastHandler(func(key keyspace.Number160, dataMap map[keyspace.Key640]*message.Data) {
			mu.Lock()
			received[key]++
			mu.Unlock()
		})
	}

	msgKey := keyspace.HashOf([]byte("broadcast-1"))
	require.NoError(t, peers[0].Broadcast(ctx, msgKey, nil).Await(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received[msgKey] >= len(peers)-1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSendDirect(t *testing.T) {
	peers, _ := createPeers(t, 5)
	ctx := context.Background()

	for _, p := range peers {
		p.SetDirectDataHandler(func(ctx context.Context, sender message.PeerAddress, payload []byte) ([]byte, error) {
			return append([]byte("echo:"), payload...), nil
		})
	}

	var mu sync.Mutex
	var progressed []keyspace.Number160
	fs := peers[0].SendDirect(ctx, keyspace.HashOf([]byte("direct-target")), []byte("hello"), &SendDirectConfig{
		Progress: func(from keyspace.Number160) {
			mu.Lock()
			progressed = append(progressed, from)
			mu.Unlock()
		},
	})
	require.NoError(t, fs.Await(ctx))
	require.NotEmpty(t, fs.Replies())
	for _, reply := range fs.Replies() {
		require.Equal(t, []byte("echo:hello"), reply)
	}
	mu.Lock()
	require.NotEmpty(t, progressed)
	mu.Unlock()
}

func TestShutdownSentinel(t *testing.T) {
	peers, _ := createPeers(t, 2)
	ctx := context.Background()

	<-peers[0].Shutdown(ctx).AwaitDone()

	key := keyspace.NewKey640(keyspace.HashOf([]byte("late")), keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)
	f := peers[0].Put(ctx, key, message.NewData([]byte("x")))
	require.ErrorIs(t, f.Await(ctx), future.ErrShutdown)
}

func TestEvaluationKeys(t *testing.T) {
	k := func(con uint64) keyspace.Key640 {
		return keyspace.NewKey640(keyspace.NewNumber160FromInt(4), keyspace.NewNumber160FromInt(5),
			keyspace.NewNumber160FromInt(con), keyspace.Zero160)
	}
	raw := map[keyspace.Number160][]keyspace.Key640{
		keyspace.NewNumber160FromInt(19): {k(12), k(13), k(14)},
		keyspace.NewNumber160FromInt(20): {k(12), k(13)},
		keyspace.NewNumber160FromInt(21): {k(11), k(13), k(14)},
	}
	result := EvaluateKeys(raw)
	require.NotContains(t, result, k(11))
	require.Contains(t, result, k(12))
	require.Contains(t, result, k(13))
	require.Contains(t, result, k(14))
}

func TestEvaluationDataMajority(t *testing.T) {
	k := func(v uint64) keyspace.Key640 {
		return keyspace.NewKey640(keyspace.NewNumber160FromInt(v), keyspace.NewNumber160FromInt(v),
			keyspace.NewNumber160FromInt(v), keyspace.Zero160)
	}
	me11 := message.NewData([]byte{1, 1})
	me12 := message.NewData([]byte{2, 2})
	me13 := message.NewData([]byte{3, 3})
	me14 := message.NewData([]byte{4, 4})

	raw := map[keyspace.Number160]map[keyspace.Key640]*message.Data{
		keyspace.NewNumber160FromInt(19): {k(12): me12, k(13): me13, k(14): me14},
		keyspace.NewNumber160FromInt(20): {k(12): me12, k(13): me13},
		keyspace.NewNumber160FromInt(21): {k(11): me11, k(13): me13, k(14): me14},
	}
	result := EvaluateData(raw)
	require.NotContains(t, result, k(11))
	require.Contains(t, result, k(12))
	require.Contains(t, result, k(13))
	require.Contains(t, result, k(14))
}

// 同一键上内容分歧时,没有多数哈希的键被整体拒绝
func TestEvaluationDataDiverging(t *testing.T) {
	k := func(v uint64) keyspace.Key640 {
		return keyspace.NewKey640(keyspace.NewNumber160FromInt(v), keyspace.NewNumber160FromInt(v),
			keyspace.NewNumber160FromInt(v), keyspace.Zero160)
	}
	me11 := message.NewData([]byte{1, 1})
	me12 := message.NewData([]byte{2, 2})
	me13 := message.NewData([]byte{3, 3})
	me14 := message.NewData([]byte{4, 4})

	raw := map[keyspace.Number160]map[keyspace.Key640]*message.Data{
		keyspace.NewNumber160FromInt(19): {k(12): me12, k(13): me13, k(14): me14},
		keyspace.NewNumber160FromInt(20): {k(12): me11, k(13): me13},
		keyspace.NewNumber160FromInt(21): {k(11): me11, k(13): me13, k(14): me14},
	}
	result := EvaluateData(raw)
	require.NotContains(t, result, k(11))
	require.NotContains(t, result, k(12))
	require.Contains(t, result, k(13))
	require.Contains(t, result, k(14))
}

// 投票幂等律: N个相同的原始结果合并后等于其并集
func TestEvaluationIdempotence(t *testing.T) {
	k := keyspace.NewKey640(keyspace.NewNumber160FromInt(1), keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)
	d := message.NewData([]byte("same"))
	raw := make(map[keyspace.Number160]map[keyspace.Key640]*message.Data)
	for i := uint64(1); i <= 5; i++ {
		raw[keyspace.NewNumber160FromInt(i)] = map[keyspace.Key640]*message.Data{k: d}
	}
	result := EvaluateData(raw)
	require.Len(t, result, 1)
	require.True(t, d.Equal(result[k]))
}
