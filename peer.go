package stordht

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/simplelru"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dep2p/stordht/future"
	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/peermap"
	"github.com/dep2p/stordht/relay"
	"github.com/dep2p/stordht/replication"
	"github.com/dep2p/stordht/storage"
	"github.com/dep2p/stordht/transport"
)

var logger = logging.Logger("stordht")

// Peer 是一个覆盖网节点
// 组件在构造时按依赖顺序装配,关闭按相反顺序拆除
type Peer struct {
	self keyspace.Number160
	cfg  Config

	peerMap     *peermap.PeerMap
	storage     *storage.Layer
	sweeper     *storage.Sweeper
	dispatcher  *transport.Dispatcher
	wire        transport.Wire
	reservation *transport.Reservation
	sender      *transport.Sender
	replicator  *replication.Controller
	relayClient *relay.Client
	relayServer *relay.Server

	keyPair *message.KeyPair

	handlerMu        sync.RWMutex
	directHandler    DirectDataHandler
	broadcastHandler BroadcastHandler
	broadcastSeen    *lru.LRU

	msgID atomic.Uint32

	addrMu sync.RWMutex
	addr   message.PeerAddress

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// WithNetwork 让节点加入进程内网络
func WithNetwork(n *transport.Network) Option {
	return func(cfg *Config) error {
		cfg.network = n
		return nil
	}
}

// WithListenAddr 让节点监听真实TCP套接字
func WithListenAddr(addr string) Option {
	return func(cfg *Config) error {
		cfg.listenAddr = addr
		return nil
	}
}

// WithWire 直接注入承载
func WithWire(w transport.Wire) Option {
	return func(cfg *Config) error {
		cfg.wire = w
		return nil
	}
}

// WithKeyPair 注入节点身份密钥对
func WithKeyPair(kp *message.KeyPair) Option {
	return func(cfg *Config) error {
		cfg.keyPair = kp
		return nil
	}
}

// New 创建并装配一个节点
// 参数:
//   - self: keyspace.Number160 节点ID
//   - opts: ...Option 配置选项
//
// 返回值:
//   - *Peer 节点句柄
//   - error 错误信息
func New(self keyspace.Number160, opts ...Option) (*Peer, error) {
	cfg := DefaultConfig()
	if err := applyOptions(&cfg, opts...); err != nil {
		return nil, err
	}

	p := &Peer{
		self:       self,
		cfg:        cfg,
		keyPair:    cfg.keyPair,
		peerMap:    peermap.New(self, cfg.BagSize),
		storage:    storage.NewLayer(storage.NewMemoryBackend()),
		dispatcher: transport.NewDispatcher(self),
		shutdownCh: make(chan struct{}),
	}

	switch {
	case cfg.wire != nil:
		p.wire = cfg.wire
	case cfg.network != nil:
		p.wire = cfg.network.NewWire(p.dispatcher)
	case cfg.listenAddr != "":
		w, err := transport.NewTCPWire(cfg.listenAddr, p.dispatcher)
		if err != nil {
			return nil, fmt.Errorf("监听失败: %w", err)
		}
		p.wire = w
	default:
		return nil, fmt.Errorf("缺少承载: 需要 WithNetwork、WithListenAddr 或 WithWire 之一")
	}

	p.reservation = transport.NewReservation(cfg.Connection)
	p.sender = transport.NewSender(p.wire, p.reservation, cfg.Connection.IdleTimeout)

	p.addr = message.PeerAddress{
		PeerID:        self,
		Socket:        p.wire.LocalSocket(),
		FirewalledTCP: cfg.BehindFirewall,
		FirewalledUDP: cfg.BehindFirewall,
	}

	// 入站消息的发送方进入溢出袋
	p.dispatcher.AddObserver(func(sender message.PeerAddress) {
		if sender.PeerID != p.self {
			_, _ = p.peerMap.Add(sender, false)
		}
	})

	p.registerHandlers()

	p.replicator = replication.NewController(replication.Config{
		Self:     self,
		PeerMap:  p.peerMap,
		Storage:  p.storage,
		Sender:   p,
		Factor:   func() int { return cfg.ReplicationFactor },
		Interval: cfg.ReplicationInterval,
		Delay:    cfg.Delay,
		Clock:    cfg.Clock,
	})
	p.peerMap.AddListener(p.replicator)

	p.relayServer = relay.NewServer(p.dispatcher, p.sender, p.wire, p.Address, func(pa message.PeerAddress) {
		_, _ = p.peerMap.Add(pa, true)
	})
	if cfg.BehindFirewall {
		p.relayClient = relay.NewClient(relay.ClientConfig{
			Self:      self,
			Sender:    p.sender,
			Wire:      p.wire,
			MaxRelays: cfg.MaxRelays,
			MinRelays: cfg.MinRelays,
			Clock:     cfg.Clock,
			Address:   p.Address,
			OnAddressUpdate: func(pa message.PeerAddress) {
				p.setAddress(pa)
			},
		})
	}

	p.sweeper = storage.NewSweeper(p.storage, cfg.StorageInterval, cfg.Clock)
	p.sweeper.Start()
	p.replicator.Start()

	return p, nil
}

// Self 返回节点ID
func (p *Peer) Self() keyspace.Number160 { return p.self }

// PeerMap 返回路由表
func (p *Peer) PeerMap() *peermap.PeerMap { return p.peerMap }

// Storage 返回存储层
func (p *Peer) Storage() *storage.Layer { return p.storage }

// Address 返回当前通告的地址
func (p *Peer) Address() message.PeerAddress {
	p.addrMu.RLock()
	defer p.addrMu.RUnlock()
	return p.addr
}

func (p *Peer) setAddress(pa message.PeerAddress) {
	p.addrMu.Lock()
	p.addr = pa
	p.addrMu.Unlock()
}

// nextID 产生下一个消息标识
func (p *Peer) nextID() uint32 {
	return p.msgID.Add(1)
}

// newRequest 创建一条发往指定节点的请求
func (p *Peer) newRequest(cmd message.Command, recipient keyspace.Number160) *message.Message {
	return message.NewMessage(cmd, message.TypeRequest, p.nextID(), p.Address(), recipient)
}

// isShutdown 判断节点是否已关闭
func (p *Peer) isShutdown() bool {
	select {
	case <-p.shutdownCh:
		return true
	default:
		return false
	}
}

// Bootstrap 通过已知地址加入覆盖网
// 先对引导节点握手,再对自身ID做一次迭代查找填充路由表
// 位于防火墙之后的节点随后建立中继并重新通告地址
// 参数:
//   - ctx: context.Context 上下文
//   - addrs: []message.PeerAddress 引导地址
//
// 返回值:
//   - *future.Completion 完成句柄
func (p *Peer) Bootstrap(ctx context.Context, addrs []message.PeerAddress) *future.Completion {
	f := future.NewCompletion()
	if p.isShutdown() {
		f.FailErr(future.ErrShutdown)
		return f
	}
	go func() {
		// 并行探测全部引导地址,任意一个成功即可继续
		var pings []*future.Completion
		for _, pa := range addrs {
			if pa.PeerID == p.self {
				continue
			}
			pings = append(pings, p.Ping(ctx, pa))
		}
		lj := future.NewLateJoin(len(pings), 1)
		for _, pf := range pings {
			lj.Add(pf)
		}
		if err := lj.Await(ctx); err != nil && len(pings) > 0 {
			f.Fail("没有可达的引导节点: " + err.Error())
			return
		}
		// 对自身做一次查找来填充路由表
		if _, err := p.runLookup(ctx, p.self, p.neighborQueryFn(), nil); err != nil && len(addrs) > 0 {
			f.FailErr(err)
			return
		}
		if p.relayClient != nil {
			if err := p.relayClient.Setup(ctx, p.peerMap.All()); err != nil {
				f.FailErr(err)
				return
			}
			// 地址已经携带中继端点,重新握手让对方学习新地址
			for _, pa := range p.peerMap.All() {
				_ = p.Ping(ctx, pa).Await(ctx)
			}
		}
		f.Done()
	}()
	return f
}

// Ping 探测一个节点
// 成功后对方作为已验证条目进入路由表
// 返回值:
//   - *future.Completion 完成句柄
func (p *Peer) Ping(ctx context.Context, pa message.PeerAddress) *future.Completion {
	f := future.NewCompletion()
	if p.isShutdown() {
		f.FailErr(future.ErrShutdown)
		return f
	}
	go func() {
		req := p.newRequest(message.CommandPing, pa.PeerID)
		resp, err := p.sender.SendRequest(ctx, pa, req, transport.KindUDP)
		if err != nil {
			p.peerMap.Remove(pa.PeerID, peermap.ReasonNotReachable)
			f.FailErr(err)
			return
		}
		// 应答里的地址可能比传入的更新,比如刚刚加上了中继端点
		p.peerMap.PeerFound(resp.Sender)
		f.Done()
	}()
	return f
}

// Shutdown 关闭节点
// 向路由表中的节点宣告退出,按装配的相反顺序拆除组件
// 关闭之后发起的操作以共享的关闭哨兵失败
func (p *Peer) Shutdown(ctx context.Context) *future.Completion {
	f := future.NewCompletion()
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)
		if p.cfg.EnableQuit {
			for _, pa := range p.peerMap.All() {
				req := p.newRequest(message.CommandQuit, pa.PeerID)
				p.sender.FireAndForget(ctx, pa, req, transport.KindUDP)
			}
		}
		if p.relayClient != nil {
			p.relayClient.Close()
		}
		p.replicator.Close()
		_ = p.sweeper.Close()
		p.peerMap.Close()
		_ = p.wire.Close()
		_ = p.storage.Backend().Close()
	})
	f.Done()
	return f
}

// SendStore 对单个节点直接执行存储写入
// 复制控制器通过它把本地条目推给新的责任节点
// 参数:
//   - ctx: context.Context 上下文
//   - to: message.PeerAddress 目的节点
//   - dataMap: map[keyspace.Key640]*message.Data 要写入的条目
//
// 返回值:
//   - error 错误信息
func (p *Peer) SendStore(ctx context.Context, to message.PeerAddress, dataMap map[keyspace.Key640]*message.Data) error {
	if p.isShutdown() {
		return future.ErrShutdown
	}
	req := p.newRequest(message.CommandStore, to.PeerID)
	req.SubCommand = message.SubCommandPut
	req.DataMap = dataMap
	_, err := p.sender.SendRequest(ctx, to, req, transport.KindTCP)
	return err
}
