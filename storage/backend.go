package storage

import (
	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

// Backend 是存储层之下的后端契约
// 键按四个分量的字典序排序,范围操作的上下界总是共享位置键前缀
type Backend interface {
	// Contains 判断键是否存在
	Contains(key keyspace.Key640) bool
	// Put 写入条目,覆盖同键旧值
	Put(key keyspace.Key640, d *message.Data) bool
	// Get 读取条目,不存在时返回nil
	Get(key keyspace.Key640) *message.Data
	// Remove 删除并返回条目,不存在时返回nil
	Remove(key keyspace.Key640) *message.Data
	// SubMap 返回闭区间内的全部条目,按键升序
	SubMap(from, to keyspace.Key640) []Entry
	// Map 返回全部条目,按键升序
	Map() []Entry

	// AddTimeout 在超时索引中登记过期时刻
	AddTimeout(key keyspace.Key640, expirationMillis int64)
	// RemoveTimeout 从超时索引中注销
	RemoveTimeout(key keyspace.Key640)
	// SubMapTimeout 返回过期时刻不晚于给定时刻的全部键
	SubMapTimeout(nowMillis int64) []keyspace.Key640

	// ProtectDomain 把分支绑定到公钥
	ProtectDomain(key keyspace.Key320, publicKey message.PublicKey) bool
	// IsDomainProtectedByOthers 判断分支是否被其他公钥保护
	IsDomainProtectedByOthers(key keyspace.Key320, publicKey message.PublicKey) bool

	// Close 释放后端资源
	Close() error
}

// Entry 是一次范围扫描返回的键值对
type Entry struct {
	Key  keyspace.Key640
	Data *message.Data
}
