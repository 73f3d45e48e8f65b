package message

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dep2p/stordht/keyspace"
)

// DataType 按负载长度划分的条目尺寸档位
type DataType byte

const (
	// TypeSmall 负载不超过255字节,长度用1字节编码
	TypeSmall DataType = 0
	// TypeMedium 负载不超过65535字节,长度用2字节编码
	TypeMedium DataType = 1
	// TypeLarge 负载不超过2^31-1字节,长度用4字节编码
	TypeLarge DataType = 2
)

// 头部位布局(高位到低位): basedOn|signed|ttl|protectedEntry|flag2|flag1|type(2)
const (
	headerFlag1     = 0x04
	headerFlag2     = 0x08
	headerProtected = 0x10
	headerTTL       = 0x20
	headerSigned    = 0x40
	headerBasedOn   = 0x80
	headerTypeMask  = 0x03
)

// NoExpiry 表示条目永不过期
const NoExpiry = int64(math.MaxInt64)

var ErrDataTooLarge = errors.New("负载超过最大长度")

// Data 持有传输用的存储条目
// 负载是不透明的字节序列,哈希在需要时惰性计算
type Data struct {
	dataType DataType
	length   int
	payload  []byte

	// 流式解码时已接收的负载字节数
	transferred int

	basedOnFlag    bool
	signed         bool
	ttl            bool
	flag1          bool
	flag2          bool
	protectedEntry bool

	signature  *SHA1Signature
	ttlSeconds int32
	basedOn    keyspace.Number160
	publicKey  PublicKey

	// 本地到达时间,不参与序列化
	validFromMillis int64

	hashOnce sync.Once
	hash     keyspace.Number160
}

// NewData 用完整负载创建条目
// 参数:
//   - payload: []byte 负载,不复制
//
// 返回值:
//   - *Data 条目
func NewData(payload []byte) *Data {
	d := &Data{
		length:          len(payload),
		payload:         payload,
		transferred:     len(payload),
		ttlSeconds:      -1,
		validFromMillis: time.Now().UnixMilli(),
	}
	d.dataType = typeForLength(d.length)
	return d
}

// newDataFromHeader 根据已解码的头部创建空条目,负载稍后追加
func newDataFromHeader(header byte, length int) (*Data, error) {
	d := &Data{
		flag1:           header&headerFlag1 != 0,
		flag2:           header&headerFlag2 != 0,
		protectedEntry:  header&headerProtected != 0,
		ttl:             header&headerTTL != 0,
		signed:          header&headerSigned != 0,
		basedOnFlag:     header&headerBasedOn != 0,
		dataType:        DataType(header & headerTypeMask),
		length:          length,
		payload:         make([]byte, 0, length),
		ttlSeconds:      -1,
		validFromMillis: time.Now().UnixMilli(),
	}
	if d.dataType != typeForLength(length) {
		return nil, errors.New("长度与尺寸档位不符")
	}
	return d, nil
}

func typeForLength(length int) DataType {
	switch {
	case length <= 0xff:
		return TypeSmall
	case length <= 0xffff:
		return TypeMedium
	default:
		return TypeLarge
	}
}

// Length 返回负载长度
func (d *Data) Length() int { return d.length }

// Type 返回尺寸档位
func (d *Data) Type() DataType { return d.dataType }

// Payload 返回负载视图,调用方不得修改
func (d *Data) Payload() []byte { return d.payload }

// ValidFromMillis 返回本地到达时间(毫秒)
func (d *Data) ValidFromMillis() int64 { return d.validFromMillis }

// SetValidFromMillis 覆盖本地到达时间,仅测试使用
func (d *Data) SetValidFromMillis(ms int64) { d.validFromMillis = ms }

// ExpirationMillis 返回过期时刻(毫秒)
// ttl 缺省或非正时返回 NoExpiry
func (d *Data) ExpirationMillis() int64 {
	if d.ttlSeconds <= 0 {
		return NoExpiry
	}
	return d.validFromMillis + int64(d.ttlSeconds)*1000
}

// TTLSeconds 返回条目的存活秒数,未设置时为-1
func (d *Data) TTLSeconds() int32 { return d.ttlSeconds }

// SetTTLSeconds 设置存活秒数并置位 ttl 标志
func (d *Data) SetTTLSeconds(ttl int32) *Data {
	d.ttlSeconds = ttl
	d.ttl = true
	return d
}

// BasedOn 返回版本祖先键,未设置时为零值
func (d *Data) BasedOn() keyspace.Number160 { return d.basedOn }

// HasBasedOn 判断是否携带版本祖先
func (d *Data) HasBasedOn() bool { return d.basedOnFlag }

// SetBasedOn 设置版本祖先键并置位标志
func (d *Data) SetBasedOn(basedOn keyspace.Number160) *Data {
	d.basedOn = basedOn
	d.basedOnFlag = true
	return d
}

// IsProtectedEntry 判断条目级保护位
func (d *Data) IsProtectedEntry() bool { return d.protectedEntry }

// SetProtectedEntry 置位条目级保护
func (d *Data) SetProtectedEntry() *Data {
	d.protectedEntry = true
	return d
}

// IsSigned 判断是否携带签名
func (d *Data) IsSigned() bool { return d.signed }

// Flag1 返回应用自定义位1
func (d *Data) Flag1() bool { return d.flag1 }

// SetFlag1 置位应用自定义位1
func (d *Data) SetFlag1() *Data {
	d.flag1 = true
	return d
}

// Flag2 返回应用自定义位2
func (d *Data) Flag2() bool { return d.flag2 }

// SetFlag2 置位应用自定义位2
func (d *Data) SetFlag2() *Data {
	d.flag2 = true
	return d
}

// PublicKey 返回签名者公钥,未设置时为nil
func (d *Data) PublicKey() PublicKey { return d.publicKey }

// SetPublicKey 设置签名者公钥
func (d *Data) SetPublicKey(pk PublicKey) *Data {
	d.publicKey = pk
	return d
}

// Signature 返回签名,未签名时为nil
func (d *Data) Signature() *SHA1Signature { return d.signature }

// Sign 用密钥对签名负载并附上公钥
// 参数:
//   - kp: *KeyPair 密钥对
//   - f: SignatureFactory 签名能力
//
// 返回值:
//   - error 错误信息
func (d *Data) Sign(kp *KeyPair, f SignatureFactory) error {
	if d.signature != nil {
		return nil
	}
	sig, err := f.Sign(kp.Private, d.payload)
	if err != nil {
		return err
	}
	d.signed = true
	d.signature = sig
	d.publicKey = kp.Public
	return nil
}

// SignWithPrivate 仅用私钥签名,公钥不上线
// 验证方必须通过其他途径获得公钥
func (d *Data) SignWithPrivate(priv PrivateKey, f SignatureFactory) error {
	if d.signature != nil {
		return nil
	}
	sig, err := f.Sign(priv, d.payload)
	if err != nil {
		return err
	}
	d.signed = true
	d.signature = sig
	return nil
}

// Verify 校验签名
// 参数:
//   - pk: PublicKey 验证用公钥
//   - f: SignatureFactory 签名能力
//
// 返回值:
//   - bool 签名是否有效
//   - error 错误信息
func (d *Data) Verify(pk PublicKey, f SignatureFactory) (bool, error) {
	if d.signature == nil {
		return false, errors.New("条目未签名")
	}
	return f.Verify(pk, d.payload, d.signature)
}

// Hash 返回负载的 SHA-1 哈希,惰性计算一次
// 返回值:
//   - keyspace.Number160 内容哈希
func (d *Data) Hash() keyspace.Number160 {
	d.hashOnce.Do(func() {
		d.hash = keyspace.HashOf(d.payload)
	})
	return d.hash
}

// EncodeHeader 写出头部、可选字段与负载之前的所有内容
// 参数:
//   - buf: *Buffer 输出缓冲区
func (d *Data) EncodeHeader(buf *Buffer) {
	header := byte(d.dataType)
	if d.flag1 {
		header |= headerFlag1
	}
	if d.flag2 {
		header |= headerFlag2
	}
	if d.protectedEntry {
		header |= headerProtected
	}
	if d.ttl {
		header |= headerTTL
	}
	if d.signed {
		header |= headerSigned
	}
	if d.basedOnFlag {
		header |= headerBasedOn
	}
	buf.WriteByte(header)
	switch d.dataType {
	case TypeSmall:
		buf.WriteByte(byte(d.length))
	case TypeMedium:
		buf.WriteUint16(uint16(d.length))
	default:
		buf.WriteUint32(uint32(d.length))
	}
	if d.ttl {
		buf.WriteUint32(uint32(d.ttlSeconds))
	}
	if d.basedOnFlag {
		buf.WriteNumber160(d.basedOn)
	}
	if d.signed {
		buf.WriteUint16(uint16(len(d.publicKey)))
		buf.Write(d.publicKey)
	}
}

// EncodeBuffer 写出负载
// 返回值:
//   - bool 负载是否已全部写出
func (d *Data) EncodeBuffer(buf *Buffer) bool {
	buf.Write(d.payload)
	return true
}

// EncodeDone 写出尾部签名
// 未签名的条目没有尾部
func (d *Data) EncodeDone(buf *Buffer) error {
	if d.signed {
		if d.signature == nil {
			return errors.New("必须先签名才能编码已签名条目")
		}
		buf.WriteNumber160(d.signature.Number1)
		buf.WriteNumber160(d.signature.Number2)
	}
	return nil
}

// Encode 一次性写出完整条目
func (d *Data) Encode(buf *Buffer) error {
	d.EncodeHeader(buf)
	d.EncodeBuffer(buf)
	return d.EncodeDone(buf)
}

// DecodeHeader 探测并解码头部
// 可用字节不足以读完头部与全部可选字段时返回 nil 且不消费任何字节
// 成功时消费头部并返回负载尚未填充的条目
// 参数:
//   - buf: *Buffer 输入缓冲区
//
// 返回值:
//   - *Data 部分填充的条目,字节不足时为nil
//   - error 错误信息
func DecodeHeader(buf *Buffer) (*Data, error) {
	// 最小的条目是头部加1字节长度
	if buf.Readable() < 2 {
		return nil, nil
	}
	header := buf.PeekByte(0)
	dataType := DataType(header & headerTypeMask)

	var lenSize int
	switch dataType {
	case TypeSmall:
		lenSize = 1
	case TypeMedium:
		lenSize = 2
	case TypeLarge:
		lenSize = 4
	default:
		return nil, errors.New("未知的尺寸档位")
	}

	meta := 0
	if header&headerTTL != 0 {
		meta += 4
	}
	if header&headerBasedOn != 0 {
		meta += keyspace.ByteArraySize
	}
	toReadPublicKey := 1 + lenSize + meta
	if buf.Readable() < toReadPublicKey {
		return nil, nil
	}
	if header&headerSigned != 0 {
		if buf.Readable() < toReadPublicKey+2 {
			return nil, nil
		}
		pkLen := int(buf.PeekByte(toReadPublicKey))<<8 | int(buf.PeekByte(toReadPublicKey+1))
		if buf.Readable() < toReadPublicKey+2+pkLen {
			return nil, nil
		}
	}

	// 头部完整,开始消费
	buf.Skip(1)
	var length int
	switch dataType {
	case TypeSmall:
		length = int(buf.ReadByte())
	case TypeMedium:
		length = int(buf.ReadUint16())
	default:
		length = int(buf.ReadUint32())
	}
	d, err := newDataFromHeader(header, length)
	if err != nil {
		return nil, err
	}
	if d.ttl {
		d.ttlSeconds = int32(buf.ReadUint32())
	}
	if d.basedOnFlag {
		d.basedOn = buf.ReadNumber160()
	}
	if d.signed {
		pkLen := int(buf.ReadUint16())
		if pkLen > 0 {
			d.publicKey = PublicKey(buf.ReadBytes(pkLen))
		}
	}
	return d, nil
}

// DecodeBuffer 追加负载字节
// 参数:
//   - buf: *Buffer 输入缓冲区
//
// 返回值:
//   - bool 负载是否已接收完整
func (d *Data) DecodeBuffer(buf *Buffer) bool {
	remaining := d.length - d.transferred
	if remaining == 0 {
		return true
	}
	chunk := buf.ReadUpTo(remaining)
	d.payload = append(d.payload, chunk...)
	d.transferred += len(chunk)
	return d.transferred == d.length
}

// DecodeDone 解码尾部签名并完成条目
// 线上公钥缺失时采用调用方提供的公钥
// 参数:
//   - buf: *Buffer 输入缓冲区
//   - publicKey: PublicKey 外部提供的公钥,可为nil
//
// 返回值:
//   - error 错误信息
func (d *Data) DecodeDone(buf *Buffer, publicKey PublicKey) error {
	if d.signed {
		if d.publicKey == nil {
			d.publicKey = publicKey
		}
		if buf.Readable() < 2*keyspace.ByteArraySize {
			return errors.New("签名字节不足")
		}
		d.signature = &SHA1Signature{
			Number1: buf.ReadNumber160(),
			Number2: buf.ReadNumber160(),
		}
	}
	return nil
}

// Decode 从缓冲区一次性解码完整条目
// 参数:
//   - buf: *Buffer 输入缓冲区
//   - publicKey: PublicKey 外部提供的公钥,可为nil
//
// 返回值:
//   - *Data 条目,字节不足时为nil
//   - error 错误信息
func Decode(buf *Buffer, publicKey PublicKey) (*Data, error) {
	d, err := DecodeHeader(buf)
	if err != nil || d == nil {
		return nil, err
	}
	if !d.DecodeBuffer(buf) {
		return nil, errors.New("负载字节不足")
	}
	if err := d.DecodeDone(buf, publicKey); err != nil {
		return nil, err
	}
	return d, nil
}

// Equal 逐位比较两个条目,忽略不序列化的字段
// 参数:
//   - other: *Data 另一个条目
//
// 返回值:
//   - bool 是否相等
func (d *Data) Equal(other *Data) bool {
	if other == nil {
		return false
	}
	if d.signed != other.signed || d.ttl != other.ttl || d.basedOnFlag != other.basedOnFlag ||
		d.protectedEntry != other.protectedEntry || d.flag1 != other.flag1 || d.flag2 != other.flag2 {
		return false
	}
	if d.ttlSeconds != other.ttlSeconds || d.dataType != other.dataType || d.length != other.length {
		return false
	}
	if d.basedOn != other.basedOn {
		return false
	}
	if (d.signature == nil) != (other.signature == nil) {
		return false
	}
	if d.signature != nil && *d.signature != *other.signature {
		return false
	}
	return bytes.Equal(d.payload, other.payload)
}

// Duplicate 返回共享负载的浅拷贝
// 返回值:
//   - *Data 拷贝
func (d *Data) Duplicate() *Data {
	dup := &Data{
		dataType:        d.dataType,
		length:          d.length,
		payload:         d.payload,
		transferred:     d.transferred,
		basedOnFlag:     d.basedOnFlag,
		signed:          d.signed,
		ttl:             d.ttl,
		flag1:           d.flag1,
		flag2:           d.flag2,
		protectedEntry:  d.protectedEntry,
		signature:       d.signature,
		ttlSeconds:      d.ttlSeconds,
		basedOn:         d.basedOn,
		publicKey:       d.publicKey,
		validFromMillis: d.validFromMillis,
	}
	return dup
}
