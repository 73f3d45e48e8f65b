package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/dep2p/stordht/future"
	"github.com/dep2p/stordht/message"
)

var (
	ErrTimeout         = errors.New("在RPC预算内没有收到应答")
	ErrPeerUnreachable = errors.New("无法建立到对方的通道")
)

// Wire 是一次请求应答交换的底层承载
type Wire interface {
	// Exchange 送出请求并带回应答
	Exchange(ctx context.Context, to message.PeerSocketAddress, kind ChannelKind, m *message.Message) (*message.Message, error)
	// LocalSocket 返回本地监听端点
	LocalSocket() message.PeerSocketAddress
	// Close 关闭承载
	Close() error
}

// FutureResponse 是一次RPC的完成句柄
type FutureResponse struct {
	*future.Completion

	mu       sync.Mutex
	response *message.Message
}

// NewFutureResponse 创建RPC完成句柄
func NewFutureResponse() *FutureResponse {
	return &FutureResponse{Completion: future.NewCompletion()}
}

// Response 返回应答消息,未完成或失败时为nil
func (fr *FutureResponse) Response() *message.Message {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.response
}

func (fr *FutureResponse) complete(m *message.Message, err error) {
	if err != nil {
		fr.FailErr(err)
		return
	}
	fr.mu.Lock()
	fr.response = m
	fr.mu.Unlock()
	fr.Done()
}

// Sender 组合预约器与承载,完成出站RPC
// 目的地无法直连时改向其一个中继端点送出,消息的接收方ID保持不变
type Sender struct {
	wire        Wire
	reservation *Reservation
	idleTimeout time.Duration
}

// NewSender 创建发送器
// 参数:
//   - wire: Wire 承载
//   - reservation: *Reservation 预约器
//   - idleTimeout: time.Duration 单个RPC的空闲超时
//
// 返回值:
//   - *Sender 发送器
func NewSender(wire Wire, reservation *Reservation, idleTimeout time.Duration) *Sender {
	if idleTimeout <= 0 {
		idleTimeout = DefaultConnectionConfig().IdleTimeout
	}
	return &Sender{wire: wire, reservation: reservation, idleTimeout: idleTimeout}
}

// Wire 返回底层承载
func (s *Sender) Wire() Wire { return s.wire }

// socketFor 选择出站端点
// 被中继的节点通过其中继之一寻址
func socketFor(to message.PeerAddress) (message.PeerSocketAddress, error) {
	if to.Relayed {
		if len(to.Relays) == 0 {
			return message.PeerSocketAddress{}, ErrPeerUnreachable
		}
		return to.Relays[rand.Intn(len(to.Relays))], nil
	}
	return to.Socket, nil
}

// SendRequest 送出请求并等待应答
// 参数:
//   - ctx: context.Context 上下文
//   - to: message.PeerAddress 目的节点
//   - m: *message.Message 请求
//   - kind: ChannelKind 通道类别
//
// 返回值:
//   - *message.Message 应答
//   - error 错误信息
func (s *Sender) SendRequest(ctx context.Context, to message.PeerAddress, m *message.Message, kind ChannelKind) (*message.Message, error) {
	sock, err := socketFor(to)
	if err != nil {
		return nil, err
	}
	release, err := s.reservation.Acquire(ctx, kind)
	if err != nil {
		return nil, err
	}
	defer release()

	rpcCtx, cancel := context.WithTimeout(ctx, s.idleTimeout)
	defer cancel()

	resp, err := s.wire.Exchange(rpcCtx, sock, kind, m)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return resp, nil
}

// SendRequestFuture 送出请求并立即返回完成句柄
// 取消句柄会中止底层交换并归还许可
// 参数与 SendRequest 相同
func (s *Sender) SendRequestFuture(ctx context.Context, to message.PeerAddress, m *message.Message, kind ChannelKind) *FutureResponse {
	fr := NewFutureResponse()
	sendCtx, cancel := context.WithCancel(ctx)
	fr.SetCancel(cancel)
	go func() {
		defer cancel()
		resp, err := s.SendRequest(sendCtx, to, m, kind)
		fr.complete(resp, err)
	}()
	return fr
}

// FireAndForget 送出消息但不等待应答
func (s *Sender) FireAndForget(ctx context.Context, to message.PeerAddress, m *message.Message, kind ChannelKind) {
	go func() {
		if _, err := s.SendRequest(ctx, to, m, kind); err != nil {
			log.Debugw("发送失败", "to", to.PeerID, "command", m.Command, "error", err)
		}
	}()
}
