package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/dep2p/stordht/internal"
	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/transport"
)

// maintenanceInterval 是中继连接检查周期
const maintenanceInterval = 15 * time.Second

// 注册请求的消息标识,高位段与节点自身的计数区分开
var setupID atomic.Uint32

func nextSetupID() uint32 {
	return 0x80000000 | setupID.Add(1)
}

// setupTimeout 是单次注册的预算
const setupTimeout = 10 * time.Second

// ClientConfig 汇集中继客户端的依赖与参数
type ClientConfig struct {
	Self      keyspace.Number160
	Sender    *transport.Sender
	Wire      transport.Wire
	MaxRelays int
	MinRelays int
	Clock     clock.Clock
	// Address 返回当前通告的地址
	Address func() message.PeerAddress
	// OnAddressUpdate 中继集合变化后回调重写的地址
	OnAddressUpdate func(pa message.PeerAddress)
}

// relayEntry 是一条已建立的中继
type relayEntry struct {
	addr message.PeerAddress
	// pc 真实TCP承载下保持的长连,进程内承载下为nil
	pc *transport.PermanentChannel
}

// Client 运行在不可达节点上
// 从引导邻域挑选中继,保持长连注册,维护通告地址中的中继端点
type Client struct {
	cfg ClientConfig

	// setupMu 串行化建立与补选,避免并发注册超出上限
	setupMu internal.CtxMutex

	mu         sync.Mutex
	relays     map[keyspace.Number160]*relayEntry
	candidates []message.PeerAddress

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewClient 创建中继客户端
// 参数:
//   - cfg: ClientConfig 依赖与参数
//
// 返回值:
//   - *Client 客户端
func NewClient(cfg ClientConfig) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxRelays <= 0 {
		cfg.MaxRelays = message.MaxRelays
	}
	if cfg.MinRelays <= 0 {
		cfg.MinRelays = 1
	}
	return &Client{
		cfg:     cfg,
		setupMu: internal.NewCtxMutex(),
		relays:  make(map[keyspace.Number160]*relayEntry),
		stopCh:  make(chan struct{}),
	}
}

// Setup 从候选集合建立中继
// 成功数少于下限时失败;成功后重写通告地址并启动维护循环
// 参数:
//   - ctx: context.Context 上下文
//   - candidates: []message.PeerAddress 候选节点,通常来自引导邻域
//
// 返回值:
//   - error 错误信息
func (c *Client) Setup(ctx context.Context, candidates []message.PeerAddress) error {
	if err := c.setupMu.Lock(ctx); err != nil {
		return err
	}
	defer c.setupMu.Unlock()

	c.mu.Lock()
	c.candidates = append([]message.PeerAddress(nil), candidates...)
	c.mu.Unlock()

	var errs *multierror.Error
	for _, pa := range candidates {
		if c.count() >= c.cfg.MaxRelays {
			break
		}
		if err := c.setupOne(ctx, pa); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if c.count() < c.cfg.MinRelays {
		return fmt.Errorf("中继数量不足: %d/%d: %w", c.count(), c.cfg.MinRelays, errs.ErrorOrNil())
	}
	c.rewriteAddress()

	c.wg.Add(1)
	go c.maintain()
	return nil
}

// setupOne 向单个候选注册
func (c *Client) setupOne(ctx context.Context, pa message.PeerAddress) error {
	if pa.PeerID == c.cfg.Self || pa.Unreachable() {
		// 自身和同样不可达的节点当不了中继
		return fmt.Errorf("候选不适合作中继: %s", pa.PeerID)
	}
	c.mu.Lock()
	if _, dup := c.relays[pa.PeerID]; dup {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	req := message.NewMessage(message.CommandRelay, message.TypeRequest, nextSetupID(), c.cfg.Address(), pa.PeerID)
	req.SubCommand = message.SubCommandRelaySetup

	entry := &relayEntry{addr: pa}
	if tcp, ok := c.cfg.Wire.(*transport.TCPWire); ok {
		// 长连注册: 中继沿这条连接反向推送请求
		pc, err := tcp.DialPermanent(setupCtx, pa.Socket)
		if err != nil {
			return err
		}
		if _, err := pc.Request(setupCtx, req); err != nil {
			_ = pc.Close()
			return err
		}
		entry.pc = pc
	} else {
		if _, err := c.cfg.Sender.SendRequest(setupCtx, pa, req, transport.KindPermanentTCP); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.relays[pa.PeerID] = entry
	c.mu.Unlock()
	log.Debugw("中继已建立", "relay", pa.PeerID)
	return nil
}

func (c *Client) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.relays)
}

// Relays 返回当前中继端点
func (c *Client) Relays() []message.PeerSocketAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.PeerSocketAddress, 0, len(c.relays))
	for _, e := range c.relays {
		out = append(out, e.addr.Socket)
	}
	return out
}

// rewriteAddress 用当前中继集合重写通告地址
func (c *Client) rewriteAddress() {
	pa := c.cfg.Address().WithRelays(c.Relays())
	c.cfg.OnAddressUpdate(pa)
}

// maintain 周期检查中继存活,丢失后补选并重写地址
func (c *Client) maintain() {
	defer c.wg.Done()
	ticker := c.cfg.Clock.Ticker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.pruneDead() || c.count() < c.cfg.MaxRelays {
				c.replenish()
			}
		case <-c.stopCh:
			return
		}
	}
}

// pruneDead 剔除连接已断开的中继
func (c *Client) pruneDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for id, e := range c.relays {
		if e.pc == nil {
			continue
		}
		select {
		case <-e.pc.Closed():
			delete(c.relays, id)
			changed = true
			log.Debugw("中继连接丢失", "relay", id)
		default:
		}
	}
	return changed
}

// replenish 从候选池补选中继
func (c *Client) replenish() {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if err := c.setupMu.Lock(ctx); err != nil {
		return
	}
	defer c.setupMu.Unlock()

	c.mu.Lock()
	candidates := append([]message.PeerAddress(nil), c.candidates...)
	c.mu.Unlock()

	for _, pa := range candidates {
		if c.count() >= c.cfg.MaxRelays {
			break
		}
		_ = c.setupOne(ctx, pa)
	}
	c.rewriteAddress()
}

// Close 关闭全部中继连接
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.mu.Lock()
	for _, e := range c.relays {
		if e.pc != nil {
			_ = e.pc.Close()
		}
	}
	c.relays = make(map[keyspace.Number160]*relayEntry)
	c.mu.Unlock()
}
