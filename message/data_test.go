package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/stordht/keyspace"
)

func TestDataRoundTripSmall(t *testing.T) {
	d := NewData([]byte("test"))
	buf := NewBuffer()
	require.NoError(t, d.Encode(buf))

	decoded, err := Decode(NewBufferFrom(buf.Bytes()), nil)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	require.True(t, d.Equal(decoded))
	require.Equal(t, TypeSmall, decoded.Type())
}

func TestDataRoundTripFlags(t *testing.T) {
	d := NewData(bytes.Repeat([]byte{7}, 300)).SetTTLSeconds(42).SetFlag1().SetFlag2().SetProtectedEntry()
	d.SetBasedOn(keyspace.NewNumber160FromInt(0xabcd))
	buf := NewBuffer()
	require.NoError(t, d.Encode(buf))

	decoded, err := Decode(NewBufferFrom(buf.Bytes()), nil)
	require.NoError(t, err)
	require.Equal(t, TypeMedium, decoded.Type())
	require.True(t, decoded.Flag1())
	require.True(t, decoded.Flag2())
	require.True(t, decoded.IsProtectedEntry())
	require.Equal(t, int32(42), decoded.TTLSeconds())
	require.Equal(t, keyspace.NewNumber160FromInt(0xabcd), decoded.BasedOn())
	require.True(t, d.Equal(decoded))
}

// flag1 与 flag2 各占一位,互不影响
func TestDataFlagBitsIndependent(t *testing.T) {
	d1 := NewData([]byte("x")).SetFlag1()
	buf1 := NewBuffer()
	require.NoError(t, d1.Encode(buf1))
	dec1, err := Decode(NewBufferFrom(buf1.Bytes()), nil)
	require.NoError(t, err)
	require.True(t, dec1.Flag1())
	require.False(t, dec1.Flag2())

	d2 := NewData([]byte("x")).SetFlag2()
	buf2 := NewBuffer()
	require.NoError(t, d2.Encode(buf2))
	dec2, err := Decode(NewBufferFrom(buf2.Bytes()), nil)
	require.NoError(t, err)
	require.False(t, dec2.Flag1())
	require.True(t, dec2.Flag2())
}

// 大负载条目分两半到达,头部探测、负载追加、尾部完成各自独立
func TestDataStreamingFragmented(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i)
	}
	d := NewData(payload).SetTTLSeconds(42)
	d.SetBasedOn(keyspace.NewNumber160FromInt(0xabcd))
	require.NoError(t, d.Sign(kp, DSAFactory{}))

	full := NewBuffer()
	require.NoError(t, d.Encode(full))
	raw := full.Bytes()

	// 负载的前50000字节加头部先到
	headerLen := len(raw) - 100000 - 2*keyspace.ByteArraySize
	in := NewBuffer()
	in.Write(raw[:headerLen+50000])

	decoded, err := DecodeHeader(in)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	require.Equal(t, TypeLarge, decoded.Type())
	require.Equal(t, 100000, decoded.Length())

	done := decoded.DecodeBuffer(in)
	require.False(t, done)

	// 剩余的一半与签名随后到达
	in.Write(raw[headerLen+50000:])
	done = decoded.DecodeBuffer(in)
	require.True(t, done)
	require.NoError(t, decoded.DecodeDone(in, nil))

	require.True(t, d.Equal(decoded))

	ok, err := decoded.Verify(decoded.PublicKey(), DSAFactory{})
	require.NoError(t, err)
	require.True(t, ok)
}

// 头部字节不足时探测不消费任何字节
func TestDecodeHeaderInsufficient(t *testing.T) {
	d := NewData([]byte("hello")).SetTTLSeconds(9)
	full := NewBuffer()
	require.NoError(t, d.Encode(full))
	raw := full.Bytes()

	in := NewBuffer()
	in.Write(raw[:3]) // 头部需要 1+1+4 字节
	decoded, err := DecodeHeader(in)
	require.NoError(t, err)
	require.Nil(t, decoded)
	require.Equal(t, 3, in.Readable())

	in.Write(raw[3:])
	decoded, err = DecodeHeader(in)
	require.NoError(t, err)
	require.NotNil(t, decoded)
}

func TestDataSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	d := NewData([]byte("signed payload"))
	require.NoError(t, d.Sign(kp, DSAFactory{}))
	ok, err := d.Verify(kp.Public, DSAFactory{})
	require.NoError(t, err)
	require.True(t, ok)

	// 篡改负载后校验失败
	tampered := NewData([]byte("signed Payload"))
	tampered.signed = true
	tampered.signature = d.Signature()
	ok, err = tampered.Verify(kp.Public, DSAFactory{})
	require.NoError(t, err)
	require.False(t, ok)
}

// 只用私钥签名时公钥不上线,校验方必须另行提供
func TestDataSignWithPrivateOnly(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	d := NewData([]byte("private only"))
	require.NoError(t, d.SignWithPrivate(kp.Private, DSAFactory{}))
	require.Nil(t, d.PublicKey())

	buf := NewBuffer()
	require.NoError(t, d.Encode(buf))
	decoded, err := Decode(NewBufferFrom(buf.Bytes()), kp.Public)
	require.NoError(t, err)
	require.Equal(t, kp.Public, decoded.PublicKey())

	ok, err := decoded.Verify(decoded.PublicKey(), DSAFactory{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDataExpiry(t *testing.T) {
	d := NewData([]byte("x"))
	require.Equal(t, NoExpiry, d.ExpirationMillis())

	d.SetTTLSeconds(10)
	d.SetValidFromMillis(1000)
	require.Equal(t, int64(11000), d.ExpirationMillis())
}

func TestDataHashLazy(t *testing.T) {
	d := NewData([]byte("apple"))
	require.Equal(t, keyspace.HashOf([]byte("apple")), d.Hash())
	require.Equal(t, d.Hash(), d.Hash())
}
