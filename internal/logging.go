package internal

import (
	"github.com/multiformats/go-base32"
)

// LoggableKeyBytes 可记录的字节数组类型键
// 日志输出要求有效的utf-8,任意字节键在记录前进行Base32编码
type LoggableKeyBytes []byte

// String 实现Stringer接口,返回Base32编码的键字符串
// 返回值:
//   - string 编码后的键字符串
func (lk LoggableKeyBytes) String() string {
	return base32.RawStdEncoding.EncodeToString(lk)
}
