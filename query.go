package stordht

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dep2p/stordht/internal"
	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/peermap"
	"github.com/dep2p/stordht/qpeerset"
)

// ErrNoPeersQueried 表示未能联络任何节点
var ErrNoPeersQueried = errors.New("没有可查询的节点")

// queryFn 查询单个节点,返回对方报告的更近节点
type queryFn func(ctx context.Context, pa message.PeerAddress) ([]message.PeerAddress, error)

// stopFn 判断是否停止查找
type stopFn func(qps *qpeerset.QueryPeerset) bool

// query 表示一次迭代查找
type query struct {
	// id 查找实例的唯一标识符
	id uuid.UUID

	// target 查找的目标
	target keyspace.Number160

	ctx  context.Context
	peer *Peer

	// seedPeers 作为查找种子的节点集合
	seedPeers []message.PeerAddress

	// peerTimes 记录每个成功查询的节点耗时
	peerTimes map[keyspace.Number160]time.Duration

	// queryPeers 查找已知的节点集合及其状态
	queryPeers *qpeerset.QueryPeerset

	// terminated 首个工作协程遇到终止条件时置位,一旦终止保持终止
	terminated bool

	// failures 累计的失败RPC数
	failures int

	// noNewInfo 连续没有发现更近节点的更新数
	noNewInfo int

	waitGroup sync.WaitGroup

	queryFn queryFn
	stopFn  stopFn
}

// lookupResult 是一次迭代查找的结果
type lookupResult struct {
	// peers 查找结束时最近的K个可达节点,按距离升序
	peers []message.PeerAddress
	// state 与peers对应的结束状态
	state []qpeerset.PeerState
	// completed 查找是否自然终止
	completed bool
}

// runLookup 对目标执行迭代查找,直到上下文取消或停止函数返回真
// 参数:
//   - ctx: context.Context 上下文
//   - target: keyspace.Number160 目标
//   - queryFn: queryFn 查询函数
//   - stopFn: stopFn 停止函数
//
// 返回值:
//   - *lookupResult 查找结果
//   - error 错误信息
func (p *Peer) runLookup(ctx context.Context, target keyspace.Number160, queryFn queryFn, stopFn stopFn) (*lookupResult, error) {
	ctx, span := internal.StartSpan(ctx, "RunLookup", trace.WithAttributes(internal.KeyAsAttribute("Target", target)))
	defer span.End()

	// 用本地路由表中最近的K个已验证节点作种子
	seedPeers := p.peerMap.ClosestPeers(target, p.cfg.K)
	if len(seedPeers) == 0 {
		return nil, ErrNoPeersQueried
	}

	q := &query{
		id:         uuid.New(),
		target:     target,
		ctx:        ctx,
		peer:       p,
		queryPeers: qpeerset.New(target),
		seedPeers:  seedPeers,
		peerTimes:  make(map[keyspace.Number160]time.Duration),
		queryFn:    queryFn,
		stopFn:     stopFn,
	}

	q.run()

	return q.constructLookupResult(), ctx.Err()
}

// queryUpdate 表示一次查询带回的状态变化
type queryUpdate struct {
	cause       keyspace.Number160
	queried     []message.PeerAddress
	heard       []message.PeerAddress
	unreachable []message.PeerAddress

	queryDuration time.Duration
}

func (q *query) run() {
	ctx, span := internal.StartSpan(q.ctx, "Query.Run")
	defer span.End()

	pathCtx, cancelPath := context.WithCancel(ctx)
	defer cancelPath()

	alpha := q.peer.cfg.Alpha

	ch := make(chan *queryUpdate, alpha)
	ch <- &queryUpdate{cause: q.peer.self, heard: q.seedPeers}

	// 所有未完成的查询结束后才返回
	defer q.waitGroup.Wait()
	for {
		var cause keyspace.Number160
		select {
		case update := <-ch:
			q.updateState(update)
			cause = update.cause
		case <-pathCtx.Done():
			q.terminate(cancelPath)
		}

		// 可以再派生的查询数,NumWaiting 在 spawnQuery 中更新
		maxNumQueriesToSpawn := alpha - q.queryPeers.NumWaiting()

		ready, qPeers := q.isReadyToTerminate(maxNumQueriesToSpawn)
		if ready {
			q.terminate(cancelPath)
		}
		if q.terminated {
			return
		}

		for _, pa := range qPeers {
			q.spawnQuery(pathCtx, cause, pa, ch)
		}
	}
}

func (q *query) spawnQuery(ctx context.Context, cause keyspace.Number160, pa message.PeerAddress, ch chan<- *queryUpdate) {
	ctx, span := internal.StartSpan(ctx, "SpawnQuery", trace.WithAttributes(
		attribute.String("Cause", cause.String()),
		attribute.String("QueryPeer", pa.PeerID.String()),
	))
	defer span.End()

	q.queryPeers.SetState(pa.PeerID, qpeerset.PeerWaiting)
	q.waitGroup.Add(1)
	go q.queryPeer(ctx, ch, pa)
}

// queryPeer 查询单个节点并在通道上报告结果
// queryPeer 不接触 queryPeers 中的查找状态
func (q *query) queryPeer(ctx context.Context, ch chan<- *queryUpdate, pa message.PeerAddress) {
	defer q.waitGroup.Done()

	startQuery := time.Now()
	newPeers, err := q.queryFn(ctx, pa)
	if err != nil {
		if ctx.Err() == nil {
			q.peer.peerMap.Remove(pa.PeerID, peermap.ReasonNotReachable)
		}
		ch <- &queryUpdate{cause: pa.PeerID, unreachable: []message.PeerAddress{pa}}
		return
	}
	queryDuration := time.Since(startQuery)

	// 查询成功,对方进入路由表
	// 被中继的节点只进溢出袋,寻址必须经过它的中继
	if pa.Relayed {
		_, _ = q.peer.peerMap.Add(pa, false)
	} else {
		q.peer.peerMap.PeerFound(pa)
	}

	saw := make([]message.PeerAddress, 0, len(newPeers))
	for _, next := range newPeers {
		if next.PeerID == q.peer.self {
			// 不加入自身
			continue
		}
		saw = append(saw, next)
	}
	ch <- &queryUpdate{cause: pa.PeerID, heard: saw, queried: []message.PeerAddress{pa}, queryDuration: queryDuration}
}

func (q *query) updateState(up *queryUpdate) {
	if q.terminated {
		panic("查找终止后不应再有状态更新")
	}
	newCloser := false
	for _, pa := range up.heard {
		if pa.PeerID == q.peer.self {
			continue
		}
		if q.queryPeers.TryAdd(pa, up.cause) {
			newCloser = true
		}
	}
	for _, pa := range up.queried {
		if st := q.queryPeers.GetState(pa.PeerID); st == qpeerset.PeerWaiting {
			q.queryPeers.SetState(pa.PeerID, qpeerset.PeerQueried)
			q.peerTimes[pa.PeerID] = up.queryDuration
		}
	}
	for _, pa := range up.unreachable {
		q.failures++
		if st := q.queryPeers.GetState(pa.PeerID); st == qpeerset.PeerWaiting {
			q.queryPeers.SetState(pa.PeerID, qpeerset.PeerUnreachable)
		}
	}
	if newCloser {
		q.noNewInfo = 0
	} else if len(up.queried) > 0 || len(up.unreachable) > 0 {
		q.noNewInfo++
	}
}

// isReadyToTerminate 判断终止条件并挑选下一批要查询的节点
func (q *query) isReadyToTerminate(nPeersToQuery int) (bool, []message.PeerAddress) {
	if q.stopFn != nil && q.stopFn(q.queryPeers) {
		return true, nil
	}
	if q.failures >= q.peer.cfg.MaxFailures {
		return true, nil
	}
	if q.noNewInfo >= q.peer.cfg.MaxNoNewInfo && q.queryPeers.NumWaiting() == 0 {
		return true, nil
	}
	if q.isStarvationTermination() {
		return true, nil
	}
	if q.isLookupTermination() {
		return true, nil
	}

	// 下一批查询只从听说过的节点里挑
	var peersToQuery []message.PeerAddress
	for _, pa := range q.queryPeers.GetClosestInStates(qpeerset.PeerHeard) {
		peersToQuery = append(peersToQuery, pa)
		if len(peersToQuery) == nPeersToQuery {
			break
		}
	}
	return false, peersToQuery
}

// isLookupTermination 最近的K个非不可达节点都已查询时查找完成
func (q *query) isLookupTermination() bool {
	peers := q.queryPeers.GetClosestNInStates(q.peer.cfg.K, qpeerset.PeerHeard, qpeerset.PeerWaiting, qpeerset.PeerQueried)
	for _, pa := range peers {
		if q.queryPeers.GetState(pa.PeerID) != qpeerset.PeerQueried {
			return false
		}
	}
	return true
}

func (q *query) isStarvationTermination() bool {
	return q.queryPeers.NumHeard() == 0 && q.queryPeers.NumWaiting() == 0
}

func (q *query) terminate(cancel context.CancelFunc) {
	if q.terminated {
		return
	}
	cancel() // 中止未完成的查询
	q.terminated = true
}

// constructLookupResult 用查找状态构造结果
func (q *query) constructLookupResult() *lookupResult {
	completed := q.isLookupTermination() || q.isStarvationTermination()

	peers := q.queryPeers.GetClosestNInStates(q.peer.cfg.K,
		qpeerset.PeerHeard, qpeerset.PeerWaiting, qpeerset.PeerQueried)

	res := &lookupResult{
		peers:     peers,
		state:     make([]qpeerset.PeerState, len(peers)),
		completed: completed,
	}
	for i, pa := range peers {
		res.state[i] = q.queryPeers.GetState(pa.PeerID)
	}
	return res
}
