package storage

import (
	"sync"

	"github.com/dep2p/stordht/keyspace"
)

// Responsibility 维护位置键与负责节点之间的双向映射
// 正向映射是并发安全的哈希表,反向索引用按节点的键锁保护
// 位置键在首个节点认领时进入,只有显式移除才离开
type Responsibility struct {
	mu sync.RWMutex
	// 位置键到负责节点集合
	forward map[keyspace.Number160]map[keyspace.Number160]struct{}
	// 节点到其负责的位置键集合
	reverse map[keyspace.Number160]map[keyspace.Number160]struct{}

	reverseLock *KeyLock[keyspace.Number160]
}

// NewResponsibility 创建责任映射
func NewResponsibility() *Responsibility {
	return &Responsibility{
		forward:     make(map[keyspace.Number160]map[keyspace.Number160]struct{}),
		reverse:     make(map[keyspace.Number160]map[keyspace.Number160]struct{}),
		reverseLock: NewKeyLock[keyspace.Number160](),
	}
}

// FindPeersForResponsibleContent 返回负责某位置键的全部节点
func (r *Responsibility) FindPeersForResponsibleContent(location keyspace.Number160) []keyspace.Number160 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.forward[location]
	out := make([]keyspace.Number160, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// FindContentForResponsiblePeer 返回某节点负责的全部位置键
func (r *Responsibility) FindContentForResponsiblePeer(peerID keyspace.Number160) []keyspace.Number160 {
	lock := r.reverseLock.Lock(peerID)
	defer r.reverseLock.Unlock(lock)

	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.reverse[peerID]
	out := make([]keyspace.Number160, 0, len(set))
	for loc := range set {
		out = append(out, loc)
	}
	return out
}

// Update 登记节点对位置键的责任
// 参数:
//   - location: keyspace.Number160 位置键
//   - peerID: keyspace.Number160 节点ID
//
// 返回值:
//   - bool 是否为新登记
func (r *Responsibility) Update(location, peerID keyspace.Number160) bool {
	r.mu.Lock()
	set, ok := r.forward[location]
	if !ok {
		set = make(map[keyspace.Number160]struct{})
		r.forward[location] = set
	}
	_, existed := set[peerID]
	set[peerID] = struct{}{}
	r.mu.Unlock()

	lock := r.reverseLock.Lock(peerID)
	r.mu.Lock()
	rev, ok := r.reverse[peerID]
	if !ok {
		rev = make(map[keyspace.Number160]struct{})
		r.reverse[peerID] = rev
	}
	rev[location] = struct{}{}
	r.mu.Unlock()
	r.reverseLock.Unlock(lock)

	return !existed
}

// RemoveLocation 移除位置键的全部责任登记
func (r *Responsibility) RemoveLocation(location keyspace.Number160) {
	r.mu.Lock()
	set, ok := r.forward[location]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.forward, location)
	peerIDs := make([]keyspace.Number160, 0, len(set))
	for id := range set {
		peerIDs = append(peerIDs, id)
	}
	r.mu.Unlock()

	for _, peerID := range peerIDs {
		lock := r.reverseLock.Lock(peerID)
		r.removeReverse(peerID, location)
		r.reverseLock.Unlock(lock)
	}
}

// Remove 移除单个节点对位置键的责任
func (r *Responsibility) Remove(location, peerID keyspace.Number160) {
	r.mu.Lock()
	set, ok := r.forward[location]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, exists := set[peerID]; !exists {
		r.mu.Unlock()
		return
	}
	delete(set, peerID)
	if len(set) == 0 {
		delete(r.forward, location)
	}
	r.mu.Unlock()

	lock := r.reverseLock.Lock(peerID)
	r.removeReverse(peerID, location)
	r.reverseLock.Unlock(lock)
}

// RemovePeer 移除节点的全部责任登记
// 返回值:
//   - []keyspace.Number160 节点曾负责的位置键
func (r *Responsibility) RemovePeer(peerID keyspace.Number160) []keyspace.Number160 {
	lock := r.reverseLock.Lock(peerID)
	defer r.reverseLock.Unlock(lock)

	r.mu.Lock()
	rev := r.reverse[peerID]
	locations := make([]keyspace.Number160, 0, len(rev))
	for loc := range rev {
		locations = append(locations, loc)
		if set, ok := r.forward[loc]; ok {
			delete(set, peerID)
			if len(set) == 0 {
				delete(r.forward, loc)
			}
		}
	}
	delete(r.reverse, peerID)
	r.mu.Unlock()
	return locations
}

func (r *Responsibility) removeReverse(peerID, location keyspace.Number160) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev, ok := r.reverse[peerID]
	if !ok {
		return
	}
	delete(rev, location)
	if len(rev) == 0 {
		delete(r.reverse, peerID)
	}
}
