package message

import (
	"errors"
	"sort"

	"github.com/dep2p/stordht/keyspace"
)

// DigestInfo 是键到内容哈希的映射
// 副本间比较存储内容时只传输摘要,不传输负载
type DigestInfo struct {
	digests map[keyspace.Key640]keyspace.Number160
}

// NewDigestInfo 创建空摘要
func NewDigestInfo() *DigestInfo {
	return &DigestInfo{digests: make(map[keyspace.Key640]keyspace.Number160)}
}

// Put 记录一个键的内容哈希
func (di *DigestInfo) Put(key keyspace.Key640, hash keyspace.Number160) {
	di.digests[key] = hash
}

// Get 返回键的内容哈希
// 返回值:
//   - keyspace.Number160 内容哈希
//   - bool 键是否存在
func (di *DigestInfo) Get(key keyspace.Key640) (keyspace.Number160, bool) {
	h, ok := di.digests[key]
	return h, ok
}

// Size 返回摘要条数
func (di *DigestInfo) Size() int {
	return len(di.digests)
}

// Keys 返回按键序排序的所有键
func (di *DigestInfo) Keys() []keyspace.Key640 {
	out := make([]keyspace.Key640, 0, len(di.digests))
	for k := range di.digests {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Encode 写出线格式: 条数(4) | {键(80) 哈希(20)}*
// 条目按键序写出,编码是确定性的
func (di *DigestInfo) Encode(buf *Buffer) {
	buf.WriteUint32(uint32(len(di.digests)))
	for _, k := range di.Keys() {
		encodeKey640(buf, k)
		buf.WriteNumber160(di.digests[k])
	}
}

// DecodeDigestInfo 解码摘要
func DecodeDigestInfo(buf *Buffer) (*DigestInfo, error) {
	if buf.Readable() < 4 {
		return nil, errors.New("摘要字节不足")
	}
	n := int(buf.ReadUint32())
	di := NewDigestInfo()
	for i := 0; i < n; i++ {
		if buf.Readable() < 5*keyspace.ByteArraySize {
			return nil, errors.New("摘要字节不足")
		}
		k := decodeKey640(buf)
		di.digests[k] = buf.ReadNumber160()
	}
	return di, nil
}

func encodeKey640(buf *Buffer, k keyspace.Key640) {
	buf.WriteNumber160(k.Location)
	buf.WriteNumber160(k.Domain)
	buf.WriteNumber160(k.Content)
	buf.WriteNumber160(k.Version)
}

func decodeKey640(buf *Buffer) keyspace.Key640 {
	return keyspace.Key640{
		Location: buf.ReadNumber160(),
		Domain:   buf.ReadNumber160(),
		Content:  buf.ReadNumber160(),
		Version:  buf.ReadNumber160(),
	}
}
