package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

func key(loc, dom, con, ver uint64) keyspace.Key640 {
	return keyspace.NewKey640(
		keyspace.NewNumber160FromInt(loc), keyspace.NewNumber160FromInt(dom),
		keyspace.NewNumber160FromInt(con), keyspace.NewNumber160FromInt(ver))
}

func newLayer(t *testing.T) *Layer {
	t.Helper()
	return NewLayer(NewMemoryBackend())
}

func TestPutGet(t *testing.T) {
	l := newLayer(t)
	k := key(1, 2, 3, 4)
	d := message.NewData([]byte("red"))

	require.Equal(t, PutOK, l.Put(k, d, nil, false, false))
	got := l.Get(k)
	require.NotNil(t, got)
	require.Equal(t, []byte("red"), got.Payload())
	require.True(t, l.Contains(k))
	require.Nil(t, l.Get(key(1, 2, 3, 5)))
}

func TestPutIfAbsent(t *testing.T) {
	l := newLayer(t)
	k := key(1, 0, 0, 0)
	require.Equal(t, PutOK, l.Put(k, message.NewData([]byte("a")), nil, true, false))
	require.Equal(t, PutFailedNotAbsent, l.Put(k, message.NewData([]byte("b")), nil, true, false))
	require.Equal(t, []byte("a"), l.Get(k).Payload())
}

func TestTTLExpiry(t *testing.T) {
	l := newLayer(t)
	k := key(9, 0, 0, 0)
	d := message.NewData([]byte("volatile")).SetTTLSeconds(1)
	d.SetValidFromMillis(time.Now().UnixMilli() - 2000)

	require.Equal(t, PutOK, l.Put(k, d, nil, false, false))
	// 已过期的条目读不到
	require.Nil(t, l.Get(k))

	removed := l.CheckTimeout()
	require.Contains(t, removed, k)
	require.False(t, l.backend.Contains(k))
	require.Empty(t, l.backend.SubMapTimeout(time.Now().UnixMilli()))
}

func TestDomainProtection(t *testing.T) {
	l := newLayer(t)
	kpA, err := message.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := message.GenerateKeyPair()
	require.NoError(t, err)

	ka := key(5, 6, 1, 0)
	require.Equal(t, PutOK, l.Put(ka, message.NewData([]byte("a")), kpA.Public, false, true))

	// 同一分支下其他公钥写入被拒绝
	kb := key(5, 6, 2, 0)
	require.Equal(t, PutFailedSecurity, l.Put(kb, message.NewData([]byte("b")), kpB.Public, false, true))
	require.Equal(t, PutFailedSecurity, l.Put(kb, message.NewData([]byte("b")), kpB.Public, false, false))

	// 同钥可以继续写
	require.Equal(t, PutOK, l.Put(kb, message.NewData([]byte("a2")), kpA.Public, false, true))
}

func TestDomainMasterKeyOverride(t *testing.T) {
	l := newLayer(t)
	kpA, err := message.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := message.GenerateKeyPair()
	require.NoError(t, err)

	// 域键等于B公钥的哈希,B是这个域的主人
	domain := kpB.Public.Hash()
	ka := keyspace.NewKey640(keyspace.NewNumber160FromInt(5), domain,
		keyspace.NewNumber160FromInt(1), keyspace.Zero160)
	require.Equal(t, PutOK, l.Put(ka, message.NewData([]byte("a")), kpA.Public, false, true))

	kb := keyspace.NewKey640(keyspace.NewNumber160FromInt(5), domain,
		keyspace.NewNumber160FromInt(2), keyspace.Zero160)
	require.Equal(t, PutOK, l.Put(kb, message.NewData([]byte("b")), kpB.Public, false, true))
}

func TestRemovedDomainUnprotectable(t *testing.T) {
	l := newLayer(t)
	kpA, err := message.GenerateKeyPair()
	require.NoError(t, err)

	domain := keyspace.NewNumber160FromInt(6)
	l.RemoveDomainProtection(domain)

	k := keyspace.NewKey640(keyspace.NewNumber160FromInt(5), domain,
		keyspace.NewNumber160FromInt(1), keyspace.Zero160)
	// 写入成功但没有建立保护,任何人仍可写
	require.Equal(t, PutOK, l.Put(k, message.NewData([]byte("a")), kpA.Public, false, true))
	k2 := keyspace.NewKey640(keyspace.NewNumber160FromInt(5), domain,
		keyspace.NewNumber160FromInt(2), keyspace.Zero160)
	require.Equal(t, PutOK, l.Put(k2, message.NewData([]byte("b")), nil, false, false))
}

func TestEntryProtection(t *testing.T) {
	l := newLayer(t)
	kpA, err := message.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := message.GenerateKeyPair()
	require.NoError(t, err)

	k := key(7, 0, 1, 0)
	d := message.NewData([]byte("a")).SetProtectedEntry()
	d.SetPublicKey(kpA.Public)
	require.Equal(t, PutOK, l.Put(k, d, kpA.Public, false, false))

	// 其他公钥无法覆盖受保护条目
	d2 := message.NewData([]byte("b")).SetProtectedEntry()
	d2.SetPublicKey(kpB.Public)
	require.Equal(t, PutFailedSecurity, l.Put(k, d2, kpB.Public, false, false))

	// 同钥可以覆盖
	d3 := message.NewData([]byte("c")).SetProtectedEntry()
	d3.SetPublicKey(kpA.Public)
	require.Equal(t, PutOK, l.Put(k, d3, kpA.Public, false, false))
}

func TestRemoveRespectsOwner(t *testing.T) {
	l := newLayer(t)
	kpA, err := message.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := message.GenerateKeyPair()
	require.NoError(t, err)

	k := key(8, 0, 1, 0)
	d := message.NewData([]byte("owned"))
	d.SetPublicKey(kpA.Public)
	require.Equal(t, PutOK, l.Put(k, d, kpA.Public, false, false))

	require.Nil(t, l.Remove(k, kpB.Public))
	require.NotNil(t, l.Get(k))
	require.NotNil(t, l.Remove(k, kpA.Public))
	require.Nil(t, l.Get(k))
}

func TestGetRangeAndBloom(t *testing.T) {
	l := newLayer(t)
	loc := keyspace.NewNumber160FromInt(11)
	var keys []keyspace.Key640
	for i := uint64(1); i <= 4; i++ {
		k := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.NewNumber160FromInt(i), keyspace.Zero160)
		keys = append(keys, k)
		require.Equal(t, PutOK, l.Put(k, message.NewData([]byte{byte(i)}), nil, false, false))
	}
	// 其他位置键不在范围内
	other := key(12, 0, 1, 0)
	require.Equal(t, PutOK, l.Put(other, message.NewData([]byte("x")), nil, false, false))

	all := l.GetRange(keyspace.MinKey640(loc), keyspace.MaxKey640(loc), nil, nil)
	require.Len(t, all, 4)

	kb := message.NewBloomFilter(128, 3)
	kb.Add(keys[0].Content)
	kb.Add(keys[2].Content)
	filtered := l.GetRange(keyspace.MinKey640(loc), keyspace.MaxKey640(loc), kb, nil)
	require.Len(t, filtered, 2)
	require.Contains(t, filtered, keys[0])
	require.Contains(t, filtered, keys[2])
}

func TestRemoveRange(t *testing.T) {
	l := newLayer(t)
	loc := keyspace.NewNumber160FromInt(13)
	for i := uint64(1); i <= 3; i++ {
		k := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.NewNumber160FromInt(i), keyspace.Zero160)
		require.Equal(t, PutOK, l.Put(k, message.NewData([]byte{byte(i)}), nil, false, false))
	}
	removed := l.RemoveRange(keyspace.MinKey640(loc), keyspace.MaxKey640(loc), nil)
	require.Len(t, removed, 3)
	require.Empty(t, l.GetRange(keyspace.MinKey640(loc), keyspace.MaxKey640(loc), nil, nil))
}

func TestDigest(t *testing.T) {
	l := newLayer(t)
	loc := keyspace.NewNumber160FromInt(14)
	k1 := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.NewNumber160FromInt(1), keyspace.Zero160)
	k2 := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.NewNumber160FromInt(2), keyspace.Zero160)
	d1 := message.NewData([]byte("one"))
	d2 := message.NewData([]byte("two"))
	require.Equal(t, PutOK, l.Put(k1, d1, nil, false, false))
	require.Equal(t, PutOK, l.Put(k2, d2, nil, false, false))

	di := l.Digest(keyspace.MinKey640(loc), keyspace.MaxKey640(loc))
	require.Equal(t, 2, di.Size())
	h, ok := di.Get(k1)
	require.True(t, ok)
	require.Equal(t, d1.Hash(), h)

	branch := keyspace.Key320{Location: loc, Domain: keyspace.Zero160}
	di2 := l.DigestBranch(branch, nil, nil)
	require.Equal(t, 2, di2.Size())

	di3 := l.DigestKeys([]keyspace.Key640{k2})
	require.Equal(t, 1, di3.Size())
}

func TestVersionCycleRejected(t *testing.T) {
	l := newLayer(t)
	loc := keyspace.NewNumber160FromInt(15)
	v1 := keyspace.NewNumber160FromInt(1)
	v2 := keyspace.NewNumber160FromInt(2)

	k1 := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.Zero160, v1)
	k2 := keyspace.NewKey640(loc, keyspace.Zero160, keyspace.Zero160, v2)

	d2 := message.NewData([]byte("v2")).SetBasedOn(v1)
	require.Equal(t, PutOK, l.Put(k2, d2, nil, false, false))

	// v1 基于 v2 会构成环
	d1 := message.NewData([]byte("v1")).SetBasedOn(v2)
	require.Equal(t, PutVersionConflict, l.Put(k1, d1, nil, false, false))

	// 自引用同样被拒绝
	dSelf := message.NewData([]byte("self")).SetBasedOn(v1)
	require.Equal(t, PutVersionConflict, l.Put(k1, dSelf, nil, false, false))
}

func TestKeyLockNoLeak(t *testing.T) {
	kl := NewKeyLock[keyspace.Number160]()
	k := keyspace.NewNumber160FromInt(1)
	h := kl.Lock(k)
	require.Equal(t, 1, kl.Size())
	kl.Unlock(h)
	require.Equal(t, 0, kl.Size())
}

func TestResponsibility(t *testing.T) {
	r := NewResponsibility()
	loc := keyspace.NewNumber160FromInt(1)
	p1 := keyspace.NewNumber160FromInt(10)
	p2 := keyspace.NewNumber160FromInt(20)

	require.True(t, r.Update(loc, p1))
	require.False(t, r.Update(loc, p1))
	require.True(t, r.Update(loc, p2))

	require.ElementsMatch(t, []keyspace.Number160{p1, p2}, r.FindPeersForResponsibleContent(loc))
	require.Equal(t, []keyspace.Number160{loc}, r.FindContentForResponsiblePeer(p1))

	r.Remove(loc, p1)
	require.Empty(t, r.FindContentForResponsiblePeer(p1))

	locs := r.RemovePeer(p2)
	require.Equal(t, []keyspace.Number160{loc}, locs)
	require.Empty(t, r.FindPeersForResponsibleContent(loc))

	r.Update(loc, p1)
	r.RemoveLocation(loc)
	require.Empty(t, r.FindPeersForResponsibleContent(loc))
	require.Empty(t, r.FindContentForResponsiblePeer(p1))
}

func TestBackendPersistsValidFrom(t *testing.T) {
	b := NewMemoryBackend()
	k := key(1, 1, 1, 1)
	d := message.NewData([]byte("x")).SetTTLSeconds(60)
	d.SetValidFromMillis(12345)
	require.True(t, b.Put(k, d))

	// 绕过读缓存,强制从数据存储解码
	b.cacheMu.Lock()
	b.cache.Purge()
	b.cacheMu.Unlock()

	got := b.Get(k)
	require.NotNil(t, got)
	require.Equal(t, int64(12345), got.ValidFromMillis())
	require.Equal(t, int64(12345+60000), got.ExpirationMillis())
}
