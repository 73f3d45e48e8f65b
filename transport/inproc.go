package transport

import (
	"context"
	"net/netip"
	"sync"

	"github.com/dep2p/stordht/message"
)

// Network 是进程内的消息承载
// 节点按监听端点注册,交换在注册表内完成,没有真实套接字
// 测试与同进程组网使用
type Network struct {
	mu       sync.RWMutex
	nodes    map[message.PeerSocketAddress]*InProcWire
	nextPort uint16
}

// NewNetwork 创建进程内网络
func NewNetwork() *Network {
	return &Network{
		nodes:    make(map[message.PeerSocketAddress]*InProcWire),
		nextPort: 4000,
	}
}

// NewWire 在网络中注册一个节点
// 参数:
//   - dispatcher: *Dispatcher 节点的分发器
//
// 返回值:
//   - *InProcWire 节点的承载
func (n *Network) NewWire(dispatcher *Dispatcher) *InProcWire {
	n.mu.Lock()
	defer n.mu.Unlock()
	sock := message.PeerSocketAddress{
		Addr:    netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		TCPPort: n.nextPort,
		UDPPort: n.nextPort,
	}
	n.nextPort++
	w := &InProcWire{network: n, sock: sock, dispatcher: dispatcher}
	n.nodes[sock] = w
	return w
}

func (n *Network) lookup(sock message.PeerSocketAddress) (*InProcWire, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	w, ok := n.nodes[sock]
	return w, ok
}

func (n *Network) remove(sock message.PeerSocketAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, sock)
}

// InProcWire 是进程内网络中一个节点的承载
type InProcWire struct {
	network    *Network
	sock       message.PeerSocketAddress
	dispatcher *Dispatcher

	mu     sync.Mutex
	closed bool
}

var _ Wire = (*InProcWire)(nil)

// LocalSocket 返回注册的端点
func (w *InProcWire) LocalSocket() message.PeerSocketAddress {
	return w.sock
}

// Exchange 在注册表内完成一次请求应答
// 消息经过编解码,线格式缺陷在进程内同样暴露
func (w *InProcWire) Exchange(ctx context.Context, to message.PeerSocketAddress, kind ChannelKind, m *message.Message) (*message.Message, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrPeerUnreachable
	}
	w.mu.Unlock()

	target, ok := w.network.lookup(to)
	if !ok {
		return nil, ErrPeerUnreachable
	}

	buf := message.NewBuffer()
	if err := m.Encode(buf); err != nil {
		return nil, err
	}
	decoded, err := message.DecodeMessage(message.NewBufferFrom(buf.Bytes()))
	if err != nil {
		return nil, err
	}

	type result struct {
		resp *message.Message
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := target.dispatcher.Dispatch(ctx, decoded)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp == nil {
			return nil, nil
		}
		// 应答同样经过线格式往返
		rbuf := message.NewBuffer()
		if err := r.resp.Encode(rbuf); err != nil {
			return nil, err
		}
		return message.DecodeMessage(message.NewBufferFrom(rbuf.Bytes()))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 从网络注销
func (w *InProcWire) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.network.remove(w.sock)
	return nil
}
