// message 包实现存储数据、节点地址与消息信封的线格式编解码
// 解码支持流式模式: 头部探测不消费字节,负载可分片追加
package message

import (
	"encoding/binary"

	"github.com/dep2p/stordht/keyspace"
)

// Buffer 是带读位置的字节缓冲区
// 头部探测在字节不足时不移动读位置,负载可以分多次写入
type Buffer struct {
	b []byte
	r int
}

// NewBuffer 创建空缓冲区
func NewBuffer() *Buffer {
	return &Buffer{}
}

// NewBufferFrom 用已有字节创建缓冲区
// 参数:
//   - b: []byte 初始内容,不复制
func NewBufferFrom(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Write 追加字节
func (buf *Buffer) Write(p []byte) {
	buf.b = append(buf.b, p...)
}

// WriteByte 追加单个字节
func (buf *Buffer) WriteByte(v byte) {
	buf.b = append(buf.b, v)
}

// WriteUint16 以大端序追加16位无符号整数
func (buf *Buffer) WriteUint16(v uint16) {
	buf.b = binary.BigEndian.AppendUint16(buf.b, v)
}

// WriteUint32 以大端序追加32位无符号整数
func (buf *Buffer) WriteUint32(v uint32) {
	buf.b = binary.BigEndian.AppendUint32(buf.b, v)
}

// WriteNumber160 追加一个160位标识符
func (buf *Buffer) WriteNumber160(n keyspace.Number160) {
	buf.b = append(buf.b, n[:]...)
}

// Readable 返回剩余可读字节数
func (buf *Buffer) Readable() int {
	return len(buf.b) - buf.r
}

// PeekByte 读取偏移处的字节但不消费
// 参数:
//   - off: int 相对当前读位置的偏移
func (buf *Buffer) PeekByte(off int) byte {
	return buf.b[buf.r+off]
}

// Skip 前移读位置
func (buf *Buffer) Skip(n int) {
	buf.r += n
}

// ReadByte 读取并消费一个字节
func (buf *Buffer) ReadByte() byte {
	v := buf.b[buf.r]
	buf.r++
	return v
}

// ReadUint16 读取大端序16位无符号整数
func (buf *Buffer) ReadUint16() uint16 {
	v := binary.BigEndian.Uint16(buf.b[buf.r:])
	buf.r += 2
	return v
}

// ReadUint32 读取大端序32位无符号整数
func (buf *Buffer) ReadUint32() uint32 {
	v := binary.BigEndian.Uint32(buf.b[buf.r:])
	buf.r += 4
	return v
}

// ReadBytes 读取并消费 n 个字节,返回副本
func (buf *Buffer) ReadBytes(n int) []byte {
	out := make([]byte, n)
	copy(out, buf.b[buf.r:buf.r+n])
	buf.r += n
	return out
}

// ReadNumber160 读取一个160位标识符
func (buf *Buffer) ReadNumber160() keyspace.Number160 {
	var n keyspace.Number160
	copy(n[:], buf.b[buf.r:buf.r+keyspace.ByteArraySize])
	buf.r += keyspace.ByteArraySize
	return n
}

// ReadUpTo 最多读取 n 个字节,少于 n 时读取全部剩余
func (buf *Buffer) ReadUpTo(n int) []byte {
	if avail := buf.Readable(); avail < n {
		n = avail
	}
	return buf.ReadBytes(n)
}

// Bytes 返回未读部分的视图
func (buf *Buffer) Bytes() []byte {
	return buf.b[buf.r:]
}
