package message

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/stordht/keyspace"
)

func testAddr(id uint64, port uint16) PeerAddress {
	return PeerAddress{
		PeerID: keyspace.NewNumber160FromInt(id),
		Socket: PeerSocketAddress{
			Addr:    netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			TCPPort: port,
			UDPPort: port,
		},
	}
}

func TestPeerAddressRoundTrip(t *testing.T) {
	pa := testAddr(19, 4001)
	buf := NewBuffer()
	pa.Encode(buf)
	decoded, err := DecodePeerAddress(NewBufferFrom(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, pa, decoded)
}

func TestPeerAddressRelayedRoundTrip(t *testing.T) {
	pa := testAddr(20, 4002)
	pa.FirewalledTCP = true
	pa.FirewalledUDP = true
	pa = pa.WithRelays([]PeerSocketAddress{
		{Addr: netip.AddrFrom4([4]byte{10, 0, 0, 1}), TCPPort: 1, UDPPort: 2},
		{Addr: netip.AddrFrom16([16]byte{0xfe, 0x80, 15: 1}), TCPPort: 3, UDPPort: 4},
	})
	require.True(t, pa.Unreachable())
	require.True(t, pa.Relayed)

	buf := NewBuffer()
	pa.Encode(buf)
	decoded, err := DecodePeerAddress(NewBufferFrom(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, pa, decoded)
	require.Len(t, decoded.Relays, 2)
}

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	sender := testAddr(1, 4000)
	m := NewMessage(CommandStore, TypeRequest, 77, sender, keyspace.NewNumber160FromInt(2))
	m.SubCommand = SubCommandPut
	m.SetStatus(1)
	target := keyspace.NewNumber160FromInt(9)
	m.Target = &target
	key := keyspace.NewKey640(
		keyspace.NewNumber160FromInt(4), keyspace.NewNumber160FromInt(5),
		keyspace.NewNumber160FromInt(6), keyspace.NewNumber160FromInt(7))
	m.Key = &key
	m.KeySet = []keyspace.Key640{key}
	m.DataMap = map[keyspace.Key640]*Data{key: NewData([]byte("payload")).SetTTLSeconds(3)}
	m.Neighbors = []PeerAddress{testAddr(8, 4008), testAddr(9, 4009)}
	di := NewDigestInfo()
	di.Put(key, keyspace.HashOf([]byte("payload")))
	m.Digest = di
	m.SetBuffer([]byte{1, 2, 3})
	m.SetIntValue(5)
	bf := NewBloomFilter(128, 3)
	bf.Add(key.Content)
	m.KeyBloom = bf

	buf := NewBuffer()
	require.NoError(t, m.Encode(buf))
	decoded, err := DecodeMessage(NewBufferFrom(buf.Bytes()))
	require.NoError(t, err)

	require.Equal(t, m.Command, decoded.Command)
	require.Equal(t, m.Type, decoded.Type)
	require.Equal(t, m.ID, decoded.ID)
	require.Equal(t, sender, decoded.Sender)
	require.Equal(t, m.Recipient, decoded.Recipient)
	require.Equal(t, SubCommandPut, decoded.SubCommand)
	require.True(t, decoded.HasStatus())
	require.Equal(t, byte(1), decoded.Status)
	require.Equal(t, target, *decoded.Target)
	require.Equal(t, key, *decoded.Key)
	require.Equal(t, m.KeySet, decoded.KeySet)
	require.Len(t, decoded.DataMap, 1)
	require.True(t, m.DataMap[key].Equal(decoded.DataMap[key]))
	require.Equal(t, m.Neighbors, decoded.Neighbors)
	require.Equal(t, 1, decoded.Digest.Size())
	require.Equal(t, []byte{1, 2, 3}, decoded.Buffer)
	require.True(t, decoded.HasIntValue())
	require.Equal(t, uint32(5), decoded.IntValue)
	require.NotNil(t, decoded.KeyBloom)
	require.True(t, decoded.KeyBloom.Contains(key.Content))
}

func TestMessageBadMagic(t *testing.T) {
	buf := NewBufferFrom([]byte{0, 0, 1, 1, 0, 0, 0, 1, 0, 0})
	_, err := DecodeMessage(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestMessageResponseDirection(t *testing.T) {
	req := NewMessage(CommandPing, TypeRequest, 11, testAddr(1, 4000), keyspace.NewNumber160FromInt(2))
	resp := req.Response(TypeOK, testAddr(2, 4002))
	require.Equal(t, req.ID, resp.ID)
	require.Equal(t, req.Command, resp.Command)
	require.Equal(t, req.Sender.PeerID, resp.Recipient)
	require.True(t, resp.IsOK())
}

func TestBloomFilter(t *testing.T) {
	bf := NewBloomFilter(256, 4)
	in := keyspace.HashOf([]byte("in"))
	out := keyspace.HashOf([]byte("out"))
	bf.Add(in)
	require.True(t, bf.Contains(in))
	require.False(t, bf.Contains(out))

	buf := NewBuffer()
	bf.Encode(buf)
	decoded, err := DecodeBloomFilter(NewBufferFrom(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, decoded.Contains(in))
	require.False(t, decoded.Contains(out))
}

func TestDigestInfoRoundTrip(t *testing.T) {
	di := NewDigestInfo()
	for i := uint64(0); i < 5; i++ {
		k := keyspace.NewKey640(
			keyspace.NewNumber160FromInt(i), keyspace.Zero160, keyspace.Zero160, keyspace.Zero160)
		di.Put(k, keyspace.NewNumber160FromInt(i*100))
	}
	buf := NewBuffer()
	di.Encode(buf)
	decoded, err := DecodeDigestInfo(NewBufferFrom(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, di.Size(), decoded.Size())
	for _, k := range di.Keys() {
		want, _ := di.Get(k)
		got, ok := decoded.Get(k)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}
