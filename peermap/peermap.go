// peermap 包实现分桶路由表
// 每个桶持有已验证条目与溢出条目各一袋,按异或距离的位长度索引
package peermap

import (
	"container/list"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

var log = logging.Logger("peermap")

// BucketCount 是桶的数量,对应标识符的位宽
const BucketCount = 160

// DefaultBagSize 是每个桶中已验证条目与溢出条目的默认容量
const DefaultBagSize = 2

// offlineThreshold 是连续离线判定次数,达到后条目被移除
const offlineThreshold = 3

var ErrSelfRefused = errors.New("不能插入自身节点")
var ErrZeroRefused = errors.New("不能插入零标识符")

// UpdateResult 是插入操作的结果
type UpdateResult int

const (
	// ResultInserted 条目是新插入的
	ResultInserted UpdateResult = iota
	// ResultReplaced 条目替换了同ID的旧条目
	ResultReplaced
	// ResultRejected 桶已满且没有可替换条目
	ResultRejected
)

// RemoveReason 区分移除的原因
type RemoveReason int

const (
	// ReasonNotReachable 节点不可达,连续多次后才真正移除
	ReasonNotReachable RemoveReason = iota
	// ReasonShutdown 对方宣告关闭,立即移除
	ReasonShutdown
	// ReasonException 协议违规或异常,立即移除
	ReasonException
)

// PeerStatusListener 接收路由表变更通知
// 复制控制器与存储层订阅这些事件
type PeerStatusListener interface {
	// PeerInserted 已验证条目插入后调用
	PeerInserted(pa message.PeerAddress, verified bool)
	// PeerRemoved 条目移除后调用
	PeerRemoved(pa message.PeerAddress, reason RemoveReason)
	// PeerUpdated 条目地址或时间戳更新后调用
	PeerUpdated(pa message.PeerAddress)
}

// peerEntry 是桶中的一个条目
type peerEntry struct {
	addr     message.PeerAddress
	lastSeen time.Time
	offline  int
}

// bag 是一个桶: 已验证条目与溢出条目互不相交
type bag struct {
	verified *list.List
	overflow *list.List
}

func newBag() *bag {
	return &bag{verified: list.New(), overflow: list.New()}
}

func findEntry(l *list.List, id keyspace.Number160) *list.Element {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*peerEntry).addr.PeerID == id {
			return e
		}
	}
	return nil
}

// PeerMap 是本地节点的路由表
type PeerMap struct {
	self    keyspace.Number160
	bagSize int

	mu      sync.RWMutex
	buckets [BucketCount]*bag

	listenerMu sync.RWMutex
	listeners  []PeerStatusListener
}

// New 创建路由表
// 参数:
//   - self: keyspace.Number160 本地节点ID
//   - bagSize: int 每袋容量,非正时取默认值
//
// 返回值:
//   - *PeerMap 路由表
func New(self keyspace.Number160, bagSize int) *PeerMap {
	if bagSize <= 0 {
		bagSize = DefaultBagSize
	}
	pm := &PeerMap{self: self, bagSize: bagSize}
	for i := range pm.buckets {
		pm.buckets[i] = newBag()
	}
	return pm
}

// Self 返回本地节点ID
func (pm *PeerMap) Self() keyspace.Number160 { return pm.self }

// AddListener 订阅路由表变更
func (pm *PeerMap) AddListener(l PeerStatusListener) {
	pm.listenerMu.Lock()
	defer pm.listenerMu.Unlock()
	pm.listeners = append(pm.listeners, l)
}

func (pm *PeerMap) notifyInserted(pa message.PeerAddress, verified bool) {
	pm.listenerMu.RLock()
	ls := append([]PeerStatusListener(nil), pm.listeners...)
	pm.listenerMu.RUnlock()
	for _, l := range ls {
		l.PeerInserted(pa, verified)
	}
}

func (pm *PeerMap) notifyRemoved(pa message.PeerAddress, reason RemoveReason) {
	pm.listenerMu.RLock()
	ls := append([]PeerStatusListener(nil), pm.listeners...)
	pm.listenerMu.RUnlock()
	for _, l := range ls {
		l.PeerRemoved(pa, reason)
	}
}

func (pm *PeerMap) notifyUpdated(pa message.PeerAddress) {
	pm.listenerMu.RLock()
	ls := append([]PeerStatusListener(nil), pm.listeners...)
	pm.listenerMu.RUnlock()
	for _, l := range ls {
		l.PeerUpdated(pa)
	}
}

// bucketIndex 返回条目所属的桶
// 索引等于 160 减去异或距离的位长度,即公共前缀长度
func (pm *PeerMap) bucketIndex(id keyspace.Number160) int {
	idx := BucketCount - pm.self.Xor(id).BitLength()
	if idx >= BucketCount {
		// 距离为零只可能是自身,调用方已经拒绝,这里只做钳制
		idx = BucketCount - 1
	}
	return idx
}

// Add 插入或更新一个条目
// 已验证条目替换同ID的溢出条目,但从不驱逐其他已验证条目
// 溢出袋满时按先进先出驱逐
// 参数:
//   - pa: message.PeerAddress 节点地址
//   - verified: bool 是否已验证
//
// 返回值:
//   - UpdateResult 插入结果
//   - error 错误信息
func (pm *PeerMap) Add(pa message.PeerAddress, verified bool) (UpdateResult, error) {
	if pa.PeerID == pm.self {
		return ResultRejected, ErrSelfRefused
	}
	if pa.PeerID.IsZero() {
		return ResultRejected, ErrZeroRefused
	}

	pm.mu.Lock()
	idx := pm.bucketIndex(pa.PeerID)
	b := pm.buckets[idx]
	now := time.Now()

	// 同ID条目已在已验证袋中: 更新地址与时间戳
	if e := findEntry(b.verified, pa.PeerID); e != nil {
		entry := e.Value.(*peerEntry)
		entry.addr = pa
		entry.lastSeen = now
		entry.offline = 0
		pm.mu.Unlock()
		pm.notifyUpdated(pa)
		return ResultReplaced, nil
	}

	if verified {
		// 已验证条目优先: 同ID溢出条目被替换
		if e := findEntry(b.overflow, pa.PeerID); e != nil {
			b.overflow.Remove(e)
		}
		if b.verified.Len() >= pm.bagSize {
			pm.mu.Unlock()
			return ResultRejected, nil
		}
		b.verified.PushBack(&peerEntry{addr: pa, lastSeen: now})
		pm.mu.Unlock()
		log.Debugw("节点已插入", "peer", pa.PeerID, "bucket", idx)
		pm.notifyInserted(pa, true)
		return ResultInserted, nil
	}

	// 未验证条目进入溢出袋
	if e := findEntry(b.overflow, pa.PeerID); e != nil {
		entry := e.Value.(*peerEntry)
		entry.addr = pa
		entry.lastSeen = now
		pm.mu.Unlock()
		pm.notifyUpdated(pa)
		return ResultReplaced, nil
	}
	for b.overflow.Len() >= pm.bagSize {
		b.overflow.Remove(b.overflow.Front())
	}
	b.overflow.PushBack(&peerEntry{addr: pa, lastSeen: now})
	pm.mu.Unlock()
	pm.notifyInserted(pa, false)
	return ResultInserted, nil
}

// Remove 移除或降级一个条目
// 不可达原因先累计计数,连续达到阈值后才移除
// 参数:
//   - id: keyspace.Number160 节点ID
//   - reason: RemoveReason 移除原因
//
// 返回值:
//   - bool 条目是否被真正移除
func (pm *PeerMap) Remove(id keyspace.Number160, reason RemoveReason) bool {
	if id == pm.self {
		return false
	}
	pm.mu.Lock()
	b := pm.buckets[pm.bucketIndex(id)]

	if reason == ReasonNotReachable {
		if e := findEntry(b.verified, id); e != nil {
			entry := e.Value.(*peerEntry)
			entry.offline++
			if entry.offline < offlineThreshold {
				pm.mu.Unlock()
				return false
			}
			b.verified.Remove(e)
			pm.mu.Unlock()
			log.Debugw("节点连续离线, 已移除", "peer", id)
			pm.notifyRemoved(entry.addr, reason)
			return true
		}
		if e := findEntry(b.overflow, id); e != nil {
			entry := e.Value.(*peerEntry)
			b.overflow.Remove(e)
			pm.mu.Unlock()
			pm.notifyRemoved(entry.addr, reason)
			return true
		}
		pm.mu.Unlock()
		return false
	}

	var removed *peerEntry
	if e := findEntry(b.verified, id); e != nil {
		removed = e.Value.(*peerEntry)
		b.verified.Remove(e)
	}
	if e := findEntry(b.overflow, id); e != nil {
		if removed == nil {
			removed = e.Value.(*peerEntry)
		}
		b.overflow.Remove(e)
	}
	pm.mu.Unlock()
	if removed != nil {
		pm.notifyRemoved(removed.addr, reason)
		return true
	}
	return false
}

// PeerFound 标记一次成功联络,重置离线计数
// 参数:
//   - pa: message.PeerAddress 节点地址
func (pm *PeerMap) PeerFound(pa message.PeerAddress) {
	if _, err := pm.Add(pa, true); err != nil {
		return
	}
}

// Get 查找条目
// 返回值:
//   - message.PeerAddress 节点地址
//   - bool 是否存在于已验证袋
func (pm *PeerMap) Get(id keyspace.Number160) (message.PeerAddress, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	b := pm.buckets[pm.bucketIndex(id)]
	if e := findEntry(b.verified, id); e != nil {
		return e.Value.(*peerEntry).addr, true
	}
	if e := findEntry(b.overflow, id); e != nil {
		return e.Value.(*peerEntry).addr, false
	}
	return message.PeerAddress{}, false
}

// ClosestPeers 返回距目标最近的至多 k 个已验证条目
// 从目标所在的桶向外收集,距离相同时按节点ID数值序决胜
// 参数:
//   - target: keyspace.Number160 目标标识符
//   - k: int 要返回的数量
//
// 返回值:
//   - []message.PeerAddress 升序排列的节点地址
func (pm *PeerMap) ClosestPeers(target keyspace.Number160, k int) []message.PeerAddress {
	pm.mu.RLock()

	startIdx := BucketCount - 1
	if target != pm.self {
		startIdx = pm.bucketIndex(target)
	}

	collected := make([]message.PeerAddress, 0, k+pm.bagSize)
	// 目标桶及更深的桶共享更长的前缀,先收集
	for i := startIdx; i < BucketCount && len(collected) < k; i++ {
		for e := pm.buckets[i].verified.Front(); e != nil; e = e.Next() {
			collected = append(collected, e.Value.(*peerEntry).addr)
		}
	}
	// 数量不足时向前缀更短的桶回退,每个桶少共享一位
	for i := startIdx - 1; i >= 0 && len(collected) < k; i-- {
		for e := pm.buckets[i].verified.Front(); e != nil; e = e.Next() {
			collected = append(collected, e.Value.(*peerEntry).addr)
		}
	}
	pm.mu.RUnlock()

	byID := make(map[keyspace.Number160]message.PeerAddress, len(collected))
	ids := make([]keyspace.Number160, 0, len(collected))
	for _, pa := range collected {
		byID[pa.PeerID] = pa
		ids = append(ids, pa.PeerID)
	}
	sorted := keyspace.SortByDistance(ids, target)
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	out := make([]message.PeerAddress, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, byID[id])
	}
	return out
}

// IsClosest 判断本地节点是否位于目标的最近 r 个节点之中
// 候选集合是已验证条目加上本地节点自身
// 参数:
//   - target: keyspace.Number160 目标标识符
//   - r: int 名额
//
// 返回值:
//   - bool 本地节点是否入围
func (pm *PeerMap) IsClosest(target keyspace.Number160, r int) bool {
	closest := pm.ClosestPeers(target, r)
	if len(closest) < r {
		return true
	}
	worst := closest[len(closest)-1].PeerID
	return keyspace.Closer(pm.self, worst, target)
}

// All 返回所有已验证条目的快照
func (pm *PeerMap) All() []message.PeerAddress {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	var out []message.PeerAddress
	for _, b := range pm.buckets {
		for e := b.verified.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*peerEntry).addr)
		}
	}
	return out
}

// AllOverflow 返回所有溢出条目的快照
func (pm *PeerMap) AllOverflow() []message.PeerAddress {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	var out []message.PeerAddress
	for _, b := range pm.buckets {
		for e := b.overflow.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*peerEntry).addr)
		}
	}
	return out
}

// Size 返回已验证条目总数
func (pm *PeerMap) Size() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	tot := 0
	for _, b := range pm.buckets {
		tot += b.verified.Len()
	}
	return tot
}

// Close 以关闭原因清空路由表并通知订阅者
func (pm *PeerMap) Close() {
	pm.mu.Lock()
	var removed []message.PeerAddress
	for _, b := range pm.buckets {
		for e := b.verified.Front(); e != nil; e = e.Next() {
			removed = append(removed, e.Value.(*peerEntry).addr)
		}
		b.verified.Init()
		b.overflow.Init()
	}
	pm.mu.Unlock()
	for _, pa := range removed {
		pm.notifyRemoved(pa, ReasonShutdown)
	}
}
