package storage

import (
	"sync"
	"time"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

// ProtectionEnable 控制谁可以建立保护
type ProtectionEnable int

const (
	// ProtectionAll 任何公钥都可以建立保护
	ProtectionAll ProtectionEnable = iota
	// ProtectionNone 只有证明身份的公钥可以建立保护
	ProtectionNone
)

// ProtectionMode 控制主密钥覆盖是否生效
type ProtectionMode int

const (
	// ModeNoMaster 没有主密钥覆盖
	ModeNoMaster ProtectionMode = iota
	// ModeMasterPublicKey 公钥哈希等于域键或内容键时可以覆盖
	ModeMasterPublicKey
)

// PutStatus 是写入操作的结果
type PutStatus byte

const (
	PutOK PutStatus = iota
	PutFailedNotAbsent
	PutFailedSecurity
	PutFailed
	PutVersionConflict
)

func (s PutStatus) String() string {
	switch s {
	case PutOK:
		return "OK"
	case PutFailedNotAbsent:
		return "FAILED_NOT_ABSENT"
	case PutFailedSecurity:
		return "FAILED_SECURITY"
	case PutVersionConflict:
		return "VERSION_CONFLICT"
	}
	return "FAILED"
}

// Layer 在后端之上实现加锁、保护检查与TTL登记
// 范围操作选取能完整覆盖区间的最窄前缀锁,点操作总是使用完整键锁
type Layer struct {
	protectionDomainMode   ProtectionMode
	protectionDomainEnable ProtectionEnable
	protectionEntryMode    ProtectionMode
	protectionEntryEnable  ProtectionEnable

	removedMu      sync.Mutex
	removedDomains map[keyspace.Number160]struct{}

	lockStorage *KeyLock[struct{}]
	lock160     *KeyLock[keyspace.Number160]
	lock320     *KeyLock[keyspace.Key320]
	lock480     *KeyLock[keyspace.Key480]
	lock640     *KeyLock[keyspace.Key640]

	backend        Backend
	responsibility *Responsibility
}

// NewLayer 创建存储层
// 参数:
//   - backend: Backend 后端
//
// 返回值:
//   - *Layer 存储层
func NewLayer(backend Backend) *Layer {
	return &Layer{
		protectionDomainMode:   ModeMasterPublicKey,
		protectionDomainEnable: ProtectionAll,
		protectionEntryMode:    ModeMasterPublicKey,
		protectionEntryEnable:  ProtectionAll,
		removedDomains:         make(map[keyspace.Number160]struct{}),
		lockStorage:            NewKeyLock[struct{}](),
		lock160:                NewKeyLock[keyspace.Number160](),
		lock320:                NewKeyLock[keyspace.Key320](),
		lock480:                NewKeyLock[keyspace.Key480](),
		lock640:                NewKeyLock[keyspace.Key640](),
		backend:                backend,
		responsibility:         NewResponsibility(),
	}
}

// SetProtection 一次设置四个保护开关
func (l *Layer) SetProtection(domainEnable ProtectionEnable, domainMode ProtectionMode,
	entryEnable ProtectionEnable, entryMode ProtectionMode) {
	l.protectionDomainEnable = domainEnable
	l.protectionDomainMode = domainMode
	l.protectionEntryEnable = entryEnable
	l.protectionEntryMode = entryMode
}

// Responsibility 返回责任映射
func (l *Layer) Responsibility() *Responsibility {
	return l.responsibility
}

// Backend 返回底层后端
func (l *Layer) Backend() Backend {
	return l.backend
}

// RemoveDomainProtection 把域加入已移除集合
// 已移除的域不可保护,任何人都可以写入
func (l *Layer) RemoveDomainProtection(domain keyspace.Number160) {
	l.removedMu.Lock()
	defer l.removedMu.Unlock()
	l.removedDomains[domain] = struct{}{}
}

func (l *Layer) isDomainRemoved(domain keyspace.Number160) bool {
	l.removedMu.Lock()
	defer l.removedMu.Unlock()
	_, ok := l.removedDomains[domain]
	return ok
}

// Put 写入一个条目
// 参数:
//   - key: keyspace.Key640 完整键
//   - newData: *message.Data 条目
//   - publicKey: message.PublicKey 写入者公钥,可为nil
//   - putIfAbsent: bool 仅当键不存在时写入
//   - domainProtection: bool 是否声明域保护
//
// 返回值:
//   - PutStatus 写入结果
func (l *Layer) Put(key keyspace.Key640, newData *message.Data, publicKey message.PublicKey,
	putIfAbsent, domainProtection bool) PutStatus {
	lock := l.lock640.Lock(key)
	defer l.lock640.Unlock(lock)

	if !l.securityDomainCheck(key.LocationAndDomain(), publicKey, domainProtection) {
		return PutFailedSecurity
	}
	contains := l.backend.Contains(key)
	if putIfAbsent && contains {
		return PutFailedNotAbsent
	}
	if contains {
		oldData := l.backend.Get(key)
		if !l.canUpdateEntry(key.Content, oldData, newData, newData.IsProtectedEntry()) {
			return PutFailedSecurity
		}
	}
	if newData.HasBasedOn() && l.versionCycle(key, newData) {
		return PutVersionConflict
	}
	if !l.backend.Put(key, newData) {
		return PutFailed
	}
	l.backend.AddTimeout(key, newData.ExpirationMillis())
	return PutOK
}

// versionCycle 沿版本祖先链回溯,链路重新抵达待写版本即为环
func (l *Layer) versionCycle(key keyspace.Key640, newData *message.Data) bool {
	seen := map[keyspace.Number160]struct{}{key.Version: {}}
	cur := newData.BasedOn()
	for {
		if _, ok := seen[cur]; ok {
			return true
		}
		seen[cur] = struct{}{}
		ancestorKey := keyspace.Key640{
			Location: key.Location, Domain: key.Domain, Content: key.Content, Version: cur,
		}
		ancestor := l.backend.Get(ancestorKey)
		if ancestor == nil || !ancestor.HasBasedOn() {
			return false
		}
		cur = ancestor.BasedOn()
	}
}

// Get 读取一个条目
// 已过期的条目视同不存在
func (l *Layer) Get(key keyspace.Key640) *message.Data {
	lock := l.lock640.Lock(key)
	defer l.lock640.Unlock(lock)
	d := l.backend.Get(key)
	if d == nil || expired(d) {
		return nil
	}
	return d
}

func expired(d *message.Data) bool {
	return d.ExpirationMillis() <= time.Now().UnixMilli()
}

// Contains 判断键是否存在
func (l *Layer) Contains(key keyspace.Key640) bool {
	lock := l.lock640.Lock(key)
	defer l.lock640.Unlock(lock)
	d := l.backend.Get(key)
	return d != nil && !expired(d)
}

// rangeLock 选取能完整覆盖区间的最窄前缀锁
// 位置键相同锁位置,位置和域相同锁分支,以此类推;四个分量都跨越时锁整个存储
func (l *Layer) rangeLock(from, to keyspace.Key640) func() {
	switch {
	case from.Location != to.Location:
		lock := l.lockStorage.Lock(struct{}{})
		return func() { l.lockStorage.Unlock(lock) }
	case from.Domain != to.Domain:
		lock := l.lock160.Lock(from.Location)
		return func() { l.lock160.Unlock(lock) }
	case from.Content != to.Content:
		lock := l.lock320.Lock(from.LocationAndDomain())
		return func() { l.lock320.Unlock(lock) }
	case from.Version != to.Version:
		lock := l.lock480.Lock(from.LocationDomainAndContent())
		return func() { l.lock480.Unlock(lock) }
	default:
		lock := l.lock640.Lock(from)
		return func() { l.lock640.Unlock(lock) }
	}
}

// GetRange 返回闭区间内的条目
// 参数:
//   - from, to: keyspace.Key640 区间边界
//   - keyBloom: *message.BloomFilter 内容键过滤器,可为nil
//   - contentBloom: *message.BloomFilter 内容哈希过滤器,可为nil
//
// 返回值:
//   - map[keyspace.Key640]*message.Data 命中的条目
func (l *Layer) GetRange(from, to keyspace.Key640, keyBloom, contentBloom *message.BloomFilter) map[keyspace.Key640]*message.Data {
	unlock := l.rangeLock(from, to)
	defer unlock()

	out := make(map[keyspace.Key640]*message.Data)
	for _, e := range l.backend.SubMap(from, to) {
		if expired(e.Data) {
			continue
		}
		if keyBloom != nil && !keyBloom.Contains(e.Key.Content) {
			continue
		}
		if contentBloom != nil && !contentBloom.Contains(e.Data.Hash()) {
			continue
		}
		out[e.Key] = e.Data
	}
	return out
}

// GetAll 返回全部条目,持有存储级锁
func (l *Layer) GetAll() map[keyspace.Key640]*message.Data {
	lock := l.lockStorage.Lock(struct{}{})
	defer l.lockStorage.Unlock(lock)
	out := make(map[keyspace.Key640]*message.Data)
	for _, e := range l.backend.Map() {
		if expired(e.Data) {
			continue
		}
		out[e.Key] = e.Data
	}
	return out
}

// Remove 删除一个条目
// 条目被其他公钥签名时拒绝删除
// 参数:
//   - key: keyspace.Key640 完整键
//   - publicKey: message.PublicKey 删除者公钥,可为nil
//
// 返回值:
//   - *message.Data 被删除的条目,没有删除时为nil
func (l *Layer) Remove(key keyspace.Key640, publicKey message.PublicKey) *message.Data {
	lock := l.lock640.Lock(key)
	defer l.lock640.Unlock(lock)

	if !l.canClaimDomain(key.LocationAndDomain(), publicKey) {
		return nil
	}
	d := l.backend.Get(key)
	if d == nil {
		return nil
	}
	if d.PublicKey() == nil || d.PublicKey().Equal(publicKey) {
		l.backend.RemoveTimeout(key)
		l.responsibility.RemoveLocation(key.Location)
		return l.backend.Remove(key)
	}
	return nil
}

// RemoveRange 删除闭区间内的条目
// 任何一个分支无法认领时立即放弃,不做部分删除
// 返回值:
//   - map[keyspace.Key640]*message.Data 被删除的条目,被拒绝时为nil
func (l *Layer) RemoveRange(from, to keyspace.Key640, publicKey message.PublicKey) map[keyspace.Key640]*message.Data {
	unlock := l.rangeLock(from, to)
	defer unlock()

	entries := l.backend.SubMap(from, to)
	branches := make(map[keyspace.Key320]struct{})
	for _, e := range entries {
		branches[e.Key.LocationAndDomain()] = struct{}{}
	}
	for branch := range branches {
		if !l.canClaimDomain(branch, publicKey) {
			return nil
		}
	}
	out := make(map[keyspace.Key640]*message.Data)
	for _, e := range entries {
		if e.Data.PublicKey() == nil || e.Data.PublicKey().Equal(publicKey) {
			l.backend.RemoveTimeout(e.Key)
			l.responsibility.RemoveLocation(e.Key.Location)
			if removed := l.backend.Remove(e.Key); removed != nil {
				out[e.Key] = removed
			}
		}
	}
	return out
}

// CheckTimeout 移除全部已过期条目
// 返回值:
//   - []keyspace.Key640 被移除的键
func (l *Layer) CheckTimeout() []keyspace.Key640 {
	now := time.Now().UnixMilli()
	toRemove := l.backend.SubMapTimeout(now)
	for _, key := range toRemove {
		lock := l.lock640.Lock(key)
		l.backend.Remove(key)
		l.backend.RemoveTimeout(key)
		l.lock640.Unlock(lock)
	}
	return toRemove
}

// Digest 计算闭区间的摘要
func (l *Layer) Digest(from, to keyspace.Key640) *message.DigestInfo {
	unlock := l.rangeLock(from, to)
	defer unlock()
	di := message.NewDigestInfo()
	for _, e := range l.backend.SubMap(from, to) {
		if expired(e.Data) {
			continue
		}
		di.Put(e.Key, e.Data.Hash())
	}
	return di
}

// DigestBranch 计算一个分支的摘要,可用布隆过滤器限定
// 参数:
//   - branch: keyspace.Key320 位置与域
//   - keyBloom: *message.BloomFilter 内容键过滤器,可为nil
//   - contentBloom: *message.BloomFilter 内容哈希过滤器,可为nil
func (l *Layer) DigestBranch(branch keyspace.Key320, keyBloom, contentBloom *message.BloomFilter) *message.DigestInfo {
	lock := l.lock320.Lock(branch)
	defer l.lock320.Unlock(lock)

	di := message.NewDigestInfo()
	for _, e := range l.backend.SubMap(keyspace.MinKey640In(branch), keyspace.MaxKey640In(branch)) {
		if expired(e.Data) {
			continue
		}
		if keyBloom != nil && !keyBloom.Contains(e.Key.Content) {
			continue
		}
		if contentBloom != nil && !contentBloom.Contains(e.Data.Hash()) {
			continue
		}
		di.Put(e.Key, e.Data.Hash())
	}
	return di
}

// DigestKeys 计算给定键集合的摘要
func (l *Layer) DigestKeys(keys []keyspace.Key640) *message.DigestInfo {
	di := message.NewDigestInfo()
	for _, key := range keys {
		lock := l.lock640.Lock(key)
		if d := l.backend.Get(key); d != nil && !expired(d) {
			di.Put(key, d.Hash())
		}
		l.lock640.Unlock(lock)
	}
	return di
}

// FindContentForResponsiblePeer 返回节点负责的全部位置键
func (l *Layer) FindContentForResponsiblePeer(peerID keyspace.Number160) []keyspace.Number160 {
	return l.responsibility.FindContentForResponsiblePeer(peerID)
}

func (l *Layer) canClaimDomain(key keyspace.Key320, publicKey message.PublicKey) bool {
	protectedByOthers := l.backend.IsDomainProtectedByOthers(key, publicKey)
	return !protectedByOthers || l.forceOverrideDomain(key.Domain, publicKey)
}

func (l *Layer) canProtectDomain(domain keyspace.Number160, publicKey message.PublicKey) bool {
	if l.isDomainRemoved(domain) {
		return false
	}
	switch l.protectionDomainEnable {
	case ProtectionAll:
		return true
	case ProtectionNone:
		// 只有持主密钥时可以
		return l.forceOverrideDomain(domain, publicKey)
	}
	return false
}

func (l *Layer) securityDomainCheck(key keyspace.Key320, publicKey message.PublicKey, domainProtection bool) bool {
	protectedByOthers := l.backend.IsDomainProtectedByOthers(key, publicKey)
	if !domainProtection {
		return !protectedByOthers
	}
	if l.canClaimDomain(key, publicKey) {
		if l.canProtectDomain(key.Domain, publicKey) && publicKey != nil {
			return l.backend.ProtectDomain(key, publicKey)
		}
		return true
	}
	return false
}

func (l *Layer) forceOverrideDomain(domain keyspace.Number160, publicKey message.PublicKey) bool {
	if l.protectionDomainMode == ModeMasterPublicKey && publicKey != nil {
		// 公钥哈希与域键一致时持有者就是域的主人
		return publicKey.Hash() == domain
	}
	return false
}

func (l *Layer) forceOverrideEntry(contentKey keyspace.Number160, publicKey message.PublicKey) bool {
	if l.protectionEntryMode == ModeMasterPublicKey && publicKey != nil {
		return publicKey.Hash() == contentKey
	}
	return false
}

func (l *Layer) canUpdateEntry(contentKey keyspace.Number160, oldData, newData *message.Data, protectEntry bool) bool {
	if protectEntry {
		return l.canProtectEntry(contentKey, oldData, newData)
	}
	if oldData != nil && oldData.PublicKey() != nil {
		// 旧条目受保护,同钥或内容键主人才能覆盖
		if oldData.PublicKey().Equal(newData.PublicKey()) {
			return true
		}
		return l.forceOverrideEntry(contentKey, newData.PublicKey())
	}
	return true
}

func (l *Layer) canProtectEntry(contentKey keyspace.Number160, oldData, newData *message.Data) bool {
	if l.protectionEntryEnable == ProtectionAll {
		if oldData == nil || oldData.PublicKey() == nil {
			return true
		}
		if oldData.PublicKey().Equal(newData.PublicKey()) {
			return true
		}
	}
	// 无法建立保护,但也许持有正确的主密钥
	return l.forceOverrideEntry(contentKey, newData.PublicKey())
}
