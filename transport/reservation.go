// transport 包实现RPC层的通道预约、消息分发与具体承载
// 原始套接字复用被抽象为承载接口,进程内承载用于测试与本地组网
package transport

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"
)

var log = logging.Logger("transport")

// DefaultMaxPermits 是每类通道的默认许可数
const DefaultMaxPermits = 250

var ErrReservationFailed = errors.New("通道预约失败: 没有可用许可")

// ConnectionConfig 汇集连接相关的配置
type ConnectionConfig struct {
	// MaxPermitsUDP UDP通道许可数
	MaxPermitsUDP int
	// MaxPermitsTCP 一次性TCP通道许可数
	MaxPermitsTCP int
	// MaxPermitsPermanentTCP 长连TCP通道许可数
	MaxPermitsPermanentTCP int
	// IdleTimeout 单个RPC的空闲超时
	IdleTimeout time.Duration
}

// DefaultConnectionConfig 返回默认配置
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxPermitsUDP:          DefaultMaxPermits,
		MaxPermitsTCP:          DefaultMaxPermits,
		MaxPermitsPermanentTCP: DefaultMaxPermits,
		IdleTimeout:            10 * time.Second,
	}
}

// Reservation 管理三类通道的计数许可
// 许可在通道关闭时归还,没有许可时预约阻塞等待
type Reservation struct {
	udp          *semaphore.Weighted
	tcp          *semaphore.Weighted
	permanentTCP *semaphore.Weighted
}

// NewReservation 创建预约器
// 参数:
//   - cfg: ConnectionConfig 连接配置
//
// 返回值:
//   - *Reservation 预约器
func NewReservation(cfg ConnectionConfig) *Reservation {
	return &Reservation{
		udp:          semaphore.NewWeighted(int64(cfg.MaxPermitsUDP)),
		tcp:          semaphore.NewWeighted(int64(cfg.MaxPermitsTCP)),
		permanentTCP: semaphore.NewWeighted(int64(cfg.MaxPermitsPermanentTCP)),
	}
}

// ChannelKind 区分三类通道
type ChannelKind int

const (
	KindUDP ChannelKind = iota
	KindTCP
	KindPermanentTCP
)

func (r *Reservation) sem(kind ChannelKind) *semaphore.Weighted {
	switch kind {
	case KindUDP:
		return r.udp
	case KindPermanentTCP:
		return r.permanentTCP
	default:
		return r.tcp
	}
}

// Acquire 获取一个许可,阻塞到有许可或上下文取消
// 参数:
//   - ctx: context.Context 上下文
//   - kind: ChannelKind 通道类别
//
// 返回值:
//   - func() 归还许可的回调
//   - error 错误信息
func (r *Reservation) Acquire(ctx context.Context, kind ChannelKind) (func(), error) {
	sem := r.sem(kind)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Join(ErrReservationFailed, err)
	}
	return func() { sem.Release(1) }, nil
}

// TryAcquire 非阻塞获取一个许可
// 返回值:
//   - func() 归还许可的回调,失败时为nil
//   - bool 是否成功
func (r *Reservation) TryAcquire(kind ChannelKind) (func(), bool) {
	sem := r.sem(kind)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}
