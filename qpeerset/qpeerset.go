// qpeerset 包维护一次迭代查找的节点状态
package qpeerset

import (
	"sort"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

// PeerState 描述在单个查找生命周期中节点的状态
type PeerState int

const (
	// PeerHeard 表示尚未查询的节点
	PeerHeard PeerState = iota
	// PeerWaiting 表示当前正在查询的节点
	PeerWaiting
	// PeerQueried 表示已查询且成功获得应答的节点
	PeerQueried
	// PeerUnreachable 表示已查询但未成功获得应答的节点
	PeerUnreachable
)

// QueryPeerset 维护迭代查找的状态
// 查找状态是一组节点,每个节点都标有状态与推荐者
type QueryPeerset struct {
	// 正在搜索的目标
	target keyspace.Number160

	// 所有已知的节点
	all []queryPeerState

	// sorted 表示all是否当前已排序
	sorted bool
}

type queryPeerState struct {
	addr       message.PeerAddress
	distance   keyspace.Number160
	state      PeerState
	referredBy keyspace.Number160
}

// New 创建一个空的查找状态集合
// 参数:
//   - target: keyspace.Number160 查找的目标
//
// 返回值:
//   - *QueryPeerset 查找状态集合
func New(target keyspace.Number160) *QueryPeerset {
	return &QueryPeerset{target: target}
}

func (qp *QueryPeerset) find(id keyspace.Number160) int {
	for i := range qp.all {
		if qp.all[i].addr.PeerID == id {
			return i
		}
	}
	return -1
}

func (qp *QueryPeerset) sort() {
	if qp.sorted {
		return
	}
	sort.Slice(qp.all, func(i, j int) bool {
		if c := qp.all[i].distance.Compare(qp.all[j].distance); c != 0 {
			return c < 0
		}
		return qp.all[i].addr.PeerID.Compare(qp.all[j].addr.PeerID) < 0
	})
	qp.sorted = true
}

// TryAdd 将节点加入集合
// 节点已存在时不执行任何操作,否则以 PeerHeard 状态加入
// 参数:
//   - pa: message.PeerAddress 要加入的节点
//   - referredBy: keyspace.Number160 推荐该节点的节点ID
//
// 返回值:
//   - bool 节点是否为新加入
func (qp *QueryPeerset) TryAdd(pa message.PeerAddress, referredBy keyspace.Number160) bool {
	if qp.find(pa.PeerID) >= 0 {
		return false
	}
	qp.all = append(qp.all, queryPeerState{
		addr:       pa,
		distance:   pa.PeerID.Xor(qp.target),
		state:      PeerHeard,
		referredBy: referredBy,
	})
	qp.sorted = false
	return true
}

// SetState 设置节点状态
// 节点不在集合中时SetState会panic
func (qp *QueryPeerset) SetState(id keyspace.Number160, s PeerState) {
	qp.all[qp.find(id)].state = s
}

// GetState 返回节点状态
// 节点不在集合中时GetState会panic
func (qp *QueryPeerset) GetState(id keyspace.Number160) PeerState {
	return qp.all[qp.find(id)].state
}

// GetReferrer 返回推荐该节点的节点ID
func (qp *QueryPeerset) GetReferrer(id keyspace.Number160) keyspace.Number160 {
	return qp.all[qp.find(id)].referredBy
}

// GetClosestNInStates 返回距目标最近的、处于给定状态之一的至多 n 个节点
// 返回的节点按到目标的距离升序排序
// 参数:
//   - n: int 要返回的数量
//   - states: ...PeerState 状态列表
//
// 返回值:
//   - []message.PeerAddress 节点列表
func (qp *QueryPeerset) GetClosestNInStates(n int, states ...PeerState) (result []message.PeerAddress) {
	qp.sort()
	m := make(map[PeerState]struct{}, len(states))
	for i := range states {
		m[states[i]] = struct{}{}
	}
	for _, p := range qp.all {
		if _, ok := m[p.state]; ok {
			result = append(result, p.addr)
		}
	}
	if len(result) >= n {
		return result[:n]
	}
	return result
}

// GetClosestInStates 返回处于给定状态之一的所有节点,按距离升序
func (qp *QueryPeerset) GetClosestInStates(states ...PeerState) (result []message.PeerAddress) {
	return qp.GetClosestNInStates(len(qp.all), states...)
}

// NumHeard 返回处于 PeerHeard 状态的节点数量
func (qp *QueryPeerset) NumHeard() int {
	return len(qp.GetClosestInStates(PeerHeard))
}

// NumWaiting 返回处于 PeerWaiting 状态的节点数量
func (qp *QueryPeerset) NumWaiting() int {
	return len(qp.GetClosestInStates(PeerWaiting))
}
