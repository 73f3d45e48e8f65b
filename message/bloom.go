package message

import (
	"errors"
	"hash/fnv"

	"github.com/dep2p/stordht/keyspace"
)

// BloomFilter 是标识符集合的紧凑近似表示
// 范围读取和摘要请求用它来限定内容键或内容哈希,避免传输负载
type BloomFilter struct {
	k    byte
	bits []byte
}

// NewBloomFilter 创建布隆过滤器
// 参数:
//   - mBits: int 位数组长度,向上取整到字节
//   - k: int 哈希函数个数
//
// 返回值:
//   - *BloomFilter 过滤器
func NewBloomFilter(mBits, k int) *BloomFilter {
	if mBits < 8 {
		mBits = 8
	}
	if k < 1 {
		k = 1
	}
	return &BloomFilter{
		k:    byte(k),
		bits: make([]byte, (mBits+7)/8),
	}
}

func (bf *BloomFilter) indexes(n keyspace.Number160) []uint64 {
	m := uint64(len(bf.bits) * 8)
	out := make([]uint64, bf.k)
	for i := byte(0); i < bf.k; i++ {
		h := fnv.New64a()
		h.Write([]byte{i})
		h.Write(n[:])
		out[i] = h.Sum64() % m
	}
	return out
}

// Add 加入一个标识符
func (bf *BloomFilter) Add(n keyspace.Number160) {
	for _, idx := range bf.indexes(n) {
		bf.bits[idx/8] |= 1 << (idx % 8)
	}
}

// Contains 判断标识符是否可能在集合中
// 返回 false 时一定不在,返回 true 时可能误报
func (bf *BloomFilter) Contains(n keyspace.Number160) bool {
	for _, idx := range bf.indexes(n) {
		if bf.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode 写出线格式: 位数组字节长度(2) | k(1) | 位数组
func (bf *BloomFilter) Encode(buf *Buffer) {
	buf.WriteUint16(uint16(len(bf.bits)))
	buf.WriteByte(bf.k)
	buf.Write(bf.bits)
}

// DecodeBloomFilter 解码过滤器
// 参数:
//   - buf: *Buffer 输入缓冲区
//
// 返回值:
//   - *BloomFilter 过滤器
//   - error 错误信息
func DecodeBloomFilter(buf *Buffer) (*BloomFilter, error) {
	if buf.Readable() < 3 {
		return nil, errors.New("过滤器字节不足")
	}
	size := int(buf.ReadUint16())
	k := buf.ReadByte()
	if k == 0 || size == 0 {
		return nil, errors.New("过滤器参数非法")
	}
	if buf.Readable() < size {
		return nil, errors.New("过滤器字节不足")
	}
	return &BloomFilter{k: k, bits: buf.ReadBytes(size)}, nil
}
