package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

var (
	ErrNoHandler        = errors.New("没有注册对应的处理器")
	ErrWrongRecipient   = errors.New("消息的接收方不是本节点")
	ErrProtocolViolated = errors.New("协议违规")
)

// Handler 处理一条请求并产生应答
// 应答为nil时不回发任何消息
type Handler func(ctx context.Context, m *message.Message) (*message.Message, error)

// Forwarder 把目的地为其他节点的请求转交出去
// 中继子系统按被中继节点的ID挂载转发器
type Forwarder interface {
	// Forward 转发请求并带回应答
	Forward(ctx context.Context, m *message.Message) (*message.Message, error)
}

// RawObserver 观察每条入站消息的发送方
// 路由表订阅它来学习新节点
type RawObserver func(sender message.PeerAddress)

// Dispatcher 按命令分发入站请求
// 目的地不是本节点时先查转发器,再拒绝
type Dispatcher struct {
	self keyspace.Number160

	mu         sync.RWMutex
	handlers   map[message.Command]Handler
	forwarders map[keyspace.Number160]Forwarder
	observers  []RawObserver
}

// NewDispatcher 创建分发器
// 参数:
//   - self: keyspace.Number160 本地节点ID
//
// 返回值:
//   - *Dispatcher 分发器
func NewDispatcher(self keyspace.Number160) *Dispatcher {
	return &Dispatcher{
		self:       self,
		handlers:   make(map[message.Command]Handler),
		forwarders: make(map[keyspace.Number160]Forwarder),
	}
}

// Register 注册一个命令的处理器
// 能力开关关闭的命令不注册,对应请求将被拒绝
func (d *Dispatcher) Register(cmd message.Command, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmd] = h
}

// Unregister 注销一个命令的处理器
func (d *Dispatcher) Unregister(cmd message.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, cmd)
}

// AddForwarder 为目的节点挂载转发器
func (d *Dispatcher) AddForwarder(dest keyspace.Number160, f Forwarder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forwarders[dest] = f
}

// RemoveForwarder 卸载目的节点的转发器
func (d *Dispatcher) RemoveForwarder(dest keyspace.Number160) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.forwarders, dest)
}

// AddObserver 订阅入站消息的发送方
func (d *Dispatcher) AddObserver(o RawObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Dispatch 处理一条入站消息
// 参数:
//   - ctx: context.Context 上下文
//   - m: *message.Message 入站消息
//
// 返回值:
//   - *message.Message 应答,可能为nil
//   - error 错误信息
func (d *Dispatcher) Dispatch(ctx context.Context, m *message.Message) (*message.Message, error) {
	d.mu.RLock()
	observers := append([]RawObserver(nil), d.observers...)
	d.mu.RUnlock()
	for _, o := range observers {
		o(m.Sender)
	}

	if m.Recipient != d.self {
		d.mu.RLock()
		f, ok := d.forwarders[m.Recipient]
		d.mu.RUnlock()
		if ok {
			return f.Forward(ctx, m)
		}
		return nil, fmt.Errorf("%w: %s", ErrWrongRecipient, m.Recipient)
	}

	d.mu.RLock()
	h, ok := d.handlers[m.Command]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, m.Command)
	}
	return h(ctx, m)
}
