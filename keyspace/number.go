// keyspace 包实现了 160 位标识符代数与四段复合键
package keyspace

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// ByteArraySize 是一个 160 位标识符所占的字节数
const ByteArraySize = 20

// Number160 是 XOR 密钥空间中的 160 位无符号标识符
// 节点ID、位置键、域键、内容键和版本键都使用该类型
type Number160 [ByteArraySize]byte

// Zero160 和 Max160 是保留的哨兵值,用于范围扫描的边界
var (
	Zero160 = Number160{}
	Max160  = Number160{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
)

// NewNumber160 从字节切片创建标识符
// 参数:
//   - b: []byte 长度必须为20字节
//
// 返回值:
//   - Number160 标识符
//   - error 错误信息
func NewNumber160(b []byte) (Number160, error) {
	var n Number160
	if len(b) != ByteArraySize {
		return n, fmt.Errorf("标识符长度错误: 期望 %d 字节, 实际 %d 字节", ByteArraySize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// NewNumber160FromInt 从小整数创建标识符,主要用于测试
// 参数:
//   - v: uint64 整数值
//
// 返回值:
//   - Number160 标识符,整数位于低位
func NewNumber160FromInt(v uint64) Number160 {
	var n Number160
	for i := 0; i < 8; i++ {
		n[ByteArraySize-1-i] = byte(v >> (8 * i))
	}
	return n
}

// NewNumber160FromString 从十六进制字符串创建标识符
// 参数:
//   - s: string 40个十六进制字符
//
// 返回值:
//   - Number160 标识符
//   - error 错误信息
func NewNumber160FromString(s string) (Number160, error) {
	var n Number160
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, err
	}
	return NewNumber160(b)
}

// HashOf 计算负载的 SHA-1 哈希并作为标识符返回
// 内容哈希与标识符同宽,摘要比较直接在密钥空间中进行
// 参数:
//   - b: []byte 要哈希的负载
//
// 返回值:
//   - Number160 哈希标识符
func HashOf(b []byte) Number160 {
	return Number160(sha1.Sum(b))
}

// Xor 计算两个标识符的异或距离
// 参数:
//   - other: Number160 另一个标识符
//
// 返回值:
//   - Number160 异或结果
func (n Number160) Xor(other Number160) Number160 {
	var out Number160
	for i := range n {
		out[i] = n[i] ^ other[i]
	}
	return out
}

// BitLength 返回标识符的位长度,即最高有效位的位置
// 返回值:
//   - int 位长度,零值返回0
func (n Number160) BitLength() int {
	for i := range n {
		if n[i] != 0 {
			return (ByteArraySize-i-1)*8 + bits.Len8(n[i])
		}
	}
	return 0
}

// Compare 比较两个标识符的数值大小
// 参数:
//   - other: Number160 另一个标识符
//
// 返回值:
//   - int 小于返回-1,等于返回0,大于返回1
func (n Number160) Compare(other Number160) int {
	return bytes.Compare(n[:], other[:])
}

// IsZero 判断标识符是否为零值
// 返回值:
//   - bool 是否为零
func (n Number160) IsZero() bool {
	return n == Zero160
}

// Bytes 返回标识符的字节副本
// 返回值:
//   - []byte 20字节切片
func (n Number160) Bytes() []byte {
	out := make([]byte, ByteArraySize)
	copy(out, n[:])
	return out
}

// String 返回十六进制表示
// 返回值:
//   - string 40个十六进制字符
func (n Number160) String() string {
	return hex.EncodeToString(n[:])
}
