package keyspace

import "fmt"

// Key320 由位置键和域键组成,标识一个存储分支
type Key320 struct {
	Location Number160
	Domain   Number160
}

// Key480 由位置键、域键和内容键组成
type Key480 struct {
	Location Number160
	Domain   Number160
	Content  Number160
}

// Key640 是存储条目的完整坐标: 位置、域、内容、版本
// 键按四个分量的字典序全序排列
type Key640 struct {
	Location Number160
	Domain   Number160
	Content  Number160
	Version  Number160
}

// NewKey640 创建一个完整键
// 参数:
//   - location, domain, content, version: Number160 四个坐标分量
//
// 返回值:
//   - Key640 完整键
func NewKey640(location, domain, content, version Number160) Key640 {
	return Key640{Location: location, Domain: domain, Content: content, Version: version}
}

// Compare 按字典序比较两个键
// 参数:
//   - other: Key640 另一个键
//
// 返回值:
//   - int 小于返回-1,等于返回0,大于返回1
func (k Key640) Compare(other Key640) int {
	if c := k.Location.Compare(other.Location); c != 0 {
		return c
	}
	if c := k.Domain.Compare(other.Domain); c != 0 {
		return c
	}
	if c := k.Content.Compare(other.Content); c != 0 {
		return c
	}
	return k.Version.Compare(other.Version)
}

// LocationAndDomain 返回键的 320 位前缀
// 返回值:
//   - Key320 位置和域
func (k Key640) LocationAndDomain() Key320 {
	return Key320{Location: k.Location, Domain: k.Domain}
}

// LocationDomainAndContent 返回键的 480 位前缀
// 返回值:
//   - Key480 位置、域和内容
func (k Key640) LocationDomainAndContent() Key480 {
	return Key480{Location: k.Location, Domain: k.Domain, Content: k.Content}
}

func (k Key640) String() string {
	return fmt.Sprintf("[l:%s d:%s c:%s v:%s]", k.Location, k.Domain, k.Content, k.Version)
}

// MinKey640 返回给定位置键下的最小键,用作范围扫描下界
// 参数:
//   - location: Number160 位置键
//
// 返回值:
//   - Key640 下界
func MinKey640(location Number160) Key640 {
	return Key640{Location: location}
}

// MaxKey640 返回给定位置键下的最大键,用作范围扫描上界
// 参数:
//   - location: Number160 位置键
//
// 返回值:
//   - Key640 上界
func MaxKey640(location Number160) Key640 {
	return Key640{Location: location, Domain: Max160, Content: Max160, Version: Max160}
}

// MinKey640In 返回给定分支下的最小键
func MinKey640In(k Key320) Key640 {
	return Key640{Location: k.Location, Domain: k.Domain}
}

// MaxKey640In 返回给定分支下的最大键
func MaxKey640In(k Key320) Key640 {
	return Key640{Location: k.Location, Domain: k.Domain, Content: Max160, Version: Max160}
}
