// replication 包实现间接复制
// 责任跟踪器响应邻居集合的变化,周期清扫把自有条目重新发布到当前最近的节点
package replication

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/peermap"
	"github.com/dep2p/stordht/storage"
)

var log = logging.Logger("replication")

// DefaultInterval 是复制刷新的默认周期
const DefaultInterval = 60 * time.Second

// DefaultDelay 是延迟转移路径的默认抖动上界
const DefaultDelay = 30 * time.Second

// sendTimeout 是单次副本推送的预算
const sendTimeout = 30 * time.Second

// StoreSender 对单个节点直接执行存储写入
type StoreSender interface {
	SendStore(ctx context.Context, to message.PeerAddress, dataMap map[keyspace.Key640]*message.Data) error
}

// ResponsibilityListener 接收责任变更通知
type ResponsibilityListener interface {
	// MeResponsible 本节点成为位置键的责任节点之一
	MeResponsible(location keyspace.Number160)
	// OtherResponsible 另一个节点变得比本节点更近
	OtherResponsible(location keyspace.Number160, other message.PeerAddress, delayed bool)
}

// Config 汇集复制控制器的依赖与参数
type Config struct {
	Self    keyspace.Number160
	PeerMap *peermap.PeerMap
	Storage *storage.Layer
	Sender  StoreSender
	// Factor 返回当前副本数,每轮清扫后刷新,副本数可随网络规模调整
	Factor   func() int
	Interval time.Duration
	Delay    time.Duration
	Clock    clock.Clock
	// RecheckAtFire 延迟转移触发时重新检查对方是否仍是责任节点
	// 关闭后延迟到期无条件发送
	RecheckAtFire *bool
}

// Controller 是间接复制控制器
// 订阅路由表变更,维护责任映射,周期性把自有条目推给当前最近的R-1个节点
type Controller struct {
	self    keyspace.Number160
	peerMap *peermap.PeerMap
	storage *storage.Layer
	sender  StoreSender

	factorFn func() int
	interval time.Duration
	delay    time.Duration
	clock    clock.Clock
	recheck  bool

	factorMu sync.Mutex
	factor   int

	listenerMu sync.RWMutex
	listeners  []ResponsibilityListener

	rnd   *rand.Rand
	rndMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ peermap.PeerStatusListener = (*Controller)(nil)

// NewController 创建复制控制器
// 参数:
//   - cfg: Config 依赖与参数
//
// 返回值:
//   - *Controller 控制器
func NewController(cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	recheck := true
	if cfg.RecheckAtFire != nil {
		recheck = *cfg.RecheckAtFire
	}
	c := &Controller{
		self:     cfg.Self,
		peerMap:  cfg.PeerMap,
		storage:  cfg.Storage,
		sender:   cfg.Sender,
		factorFn: cfg.Factor,
		interval: cfg.Interval,
		delay:    cfg.Delay,
		clock:    cfg.Clock,
		recheck:  recheck,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:   make(chan struct{}),
	}
	c.factor = cfg.Factor()
	return c
}

// AddListener 订阅责任变更
func (c *Controller) AddListener(l ResponsibilityListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Controller) notifyMe(location keyspace.Number160) {
	c.listenerMu.RLock()
	ls := append([]ResponsibilityListener(nil), c.listeners...)
	c.listenerMu.RUnlock()
	for _, l := range ls {
		l.MeResponsible(location)
	}
}

func (c *Controller) notifyOther(location keyspace.Number160, other message.PeerAddress, delayed bool) {
	c.listenerMu.RLock()
	ls := append([]ResponsibilityListener(nil), c.listeners...)
	c.listenerMu.RUnlock()
	for _, l := range ls {
		l.OtherResponsible(location, other, delayed)
	}
}

// Factor 返回当前副本数
func (c *Controller) Factor() int {
	c.factorMu.Lock()
	defer c.factorMu.Unlock()
	return c.factor
}

// Start 启动周期清扫
func (c *Controller) Start() {
	// 计时器在返回前创建,启动后推进一个周期即触发清扫
	ticker := c.clock.Ticker(c.interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Close 停止控制器
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// sweep 是周期刷新
// 对每个自有位置键把副本推给当前最近的R-1个节点,然后刷新副本数
func (c *Controller) sweep() {
	for _, location := range c.storage.FindContentForResponsiblePeer(c.self) {
		c.synchronize(location)
	}
	factor := c.factorFn()
	c.factorMu.Lock()
	c.factor = factor
	c.factorMu.Unlock()
}

// synchronize 把一个位置键下的条目推给当前最近的R-1个节点
func (c *Controller) synchronize(location keyspace.Number160) {
	dataMap := c.storage.GetRange(keyspace.MinKey640(location), keyspace.MaxKey640(location), nil, nil)
	if len(dataMap) == 0 {
		return
	}
	closest := c.peerMap.ClosestPeers(location, c.Factor()-1)
	for _, pa := range closest {
		c.sendDirect(pa, location, dataMap)
	}
	log.Debugw("副本刷新", "location", location, "targets", len(closest))
}

func (c *Controller) sendDirect(other message.PeerAddress, location keyspace.Number160, dataMap map[keyspace.Key640]*message.Data) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.sender.SendStore(ctx, other, dataMap); err != nil {
		log.Debugw("副本推送失败", "to", other.PeerID, "location", location, "error", err)
	}
}

// MeResponsible 本节点成为位置键的责任节点之一
// 把自有副本重新发布到当前最近的R-1个节点
func (c *Controller) MeResponsible(location keyspace.Number160) {
	log.Debugw("本节点接手位置键", "location", location)
	c.storage.Responsibility().Update(location, c.self)
	c.synchronize(location)
	c.notifyMe(location)
}

// OtherResponsible 另一个节点对位置键变得比本节点更近
// delayed 为真时在随机抖动后再执行,抑制大量节点同时加入引发的推送风暴
func (c *Controller) OtherResponsible(location keyspace.Number160, other message.PeerAddress, delayed bool) {
	log.Debugw("其他节点接手位置键", "location", location, "other", other.PeerID, "delayed", delayed)
	if !delayed {
		dataMap := c.storage.GetRange(keyspace.MinKey640(location), keyspace.MaxKey640(location), nil, nil)
		if len(dataMap) > 0 {
			c.sendDirect(other, location, dataMap)
		}
		c.storage.Responsibility().Update(location, other.PeerID)
		c.notifyOther(location, other, false)
		return
	}
	c.rndMu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(c.delay)))
	c.rndMu.Unlock()
	timer := c.clock.AfterFunc(jitter, func() {
		// 到期时重新确认对方仍在责任集合里,抖动期间邻居集合可能又变了
		if c.recheck && !c.isResponsible(other.PeerID, location) {
			log.Debugw("延迟转移取消, 对方已不在责任集合", "location", location, "other", other.PeerID)
			return
		}
		c.OtherResponsible(location, other, false)
	})
	go func() {
		<-c.stopCh
		timer.Stop()
	}()
}

// isResponsible 判断节点是否位于位置键的最近R个节点之中
func (c *Controller) isResponsible(peerID, location keyspace.Number160) bool {
	for _, pa := range c.peerMap.ClosestPeers(location, c.Factor()) {
		if pa.PeerID == peerID {
			return true
		}
	}
	return false
}

// PeerInserted 路由表新增已验证条目
// 新节点进入某个自有位置键的责任集合时,为它安排延迟副本转移
func (c *Controller) PeerInserted(pa message.PeerAddress, verified bool) {
	if !verified {
		return
	}
	for _, location := range c.storage.FindContentForResponsiblePeer(c.self) {
		if c.isResponsible(pa.PeerID, location) {
			c.storage.Responsibility().Update(location, pa.PeerID)
			c.OtherResponsible(location, pa, true)
		}
	}
}

// PeerRemoved 路由表移除条目
// 死亡节点的责任回收,本节点入围时接手
func (c *Controller) PeerRemoved(pa message.PeerAddress, reason peermap.RemoveReason) {
	locations := c.storage.Responsibility().RemovePeer(pa.PeerID)
	for _, location := range locations {
		if c.peerMap.IsClosest(location, c.Factor()) {
			c.MeResponsible(location)
		}
	}
}

// PeerUpdated 路由表条目更新,复制不关心
func (c *Controller) PeerUpdated(pa message.PeerAddress) {}
