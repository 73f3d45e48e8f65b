package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/libp2p/go-msgio"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

// framedConn 是长度成帧的双向消息连接
// 同一条连接上双方都可以发起请求,应答按消息标识配对
type framedConn struct {
	conn       net.Conn
	rw         msgio.ReadWriteCloser
	dispatcher *Dispatcher

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan *message.Message

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFramedConn(conn net.Conn, dispatcher *Dispatcher) *framedConn {
	return &framedConn{
		conn:       conn,
		rw:         msgio.NewReadWriter(conn),
		dispatcher: dispatcher,
		pending:    make(map[uint32]chan *message.Message),
		closedCh:   make(chan struct{}),
	}
}

func (fc *framedConn) writeMessage(m *message.Message) error {
	buf := message.NewBuffer()
	if err := m.Encode(buf); err != nil {
		return err
	}
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	return fc.rw.WriteMsg(buf.Bytes())
}

// request 在连接上发起一次请求并等待配对的应答
func (fc *framedConn) request(ctx context.Context, m *message.Message) (*message.Message, error) {
	ch := make(chan *message.Message, 1)
	fc.pendingMu.Lock()
	fc.pending[m.ID] = ch
	fc.pendingMu.Unlock()
	defer func() {
		fc.pendingMu.Lock()
		delete(fc.pending, m.ID)
		fc.pendingMu.Unlock()
	}()

	if err := fc.writeMessage(m); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-fc.closedCh:
		return nil, ErrPeerUnreachable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serve 读取入站帧: 请求交给分发器,应答交给等待者
// onMessage 在每条消息到达时回调,中继注册用它捕获连接
func (fc *framedConn) serve(onMessage func(*message.Message)) {
	defer fc.close()
	for {
		raw, err := fc.rw.ReadMsg()
		if err != nil {
			return
		}
		m, err := message.DecodeMessage(message.NewBufferFrom(raw))
		fc.rw.ReleaseMsg(raw)
		if err != nil {
			// 格式损坏即断开连接
			log.Debugw("解码入站帧失败, 断开连接", "error", err)
			return
		}
		if onMessage != nil {
			onMessage(m)
		}
		if m.IsRequest() {
			go func() {
				resp, err := fc.dispatcher.Dispatch(context.Background(), m)
				if err != nil {
					log.Debugw("处理入站请求失败", "command", m.Command, "error", err)
					return
				}
				if resp != nil {
					if err := fc.writeMessage(resp); err != nil {
						log.Debugw("写出应答失败", "error", err)
					}
				}
			}()
			continue
		}
		fc.pendingMu.Lock()
		ch, ok := fc.pending[m.ID]
		fc.pendingMu.Unlock()
		if ok {
			ch <- m
		}
	}
}

func (fc *framedConn) close() {
	fc.closeOnce.Do(func() {
		close(fc.closedCh)
		fc.rw.Close()
	})
}

// ConnRegistry 按节点ID保存存活的入站连接
// 中继转发器通过它把请求推回已注册的被中继节点
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[keyspace.Number160]*framedConn
}

func newConnRegistry() *ConnRegistry {
	return &ConnRegistry{conns: make(map[keyspace.Number160]*framedConn)}
}

// Register 登记节点的存活连接
func (r *ConnRegistry) Register(id keyspace.Number160, fc *framedConn) {
	r.mu.Lock()
	r.conns[id] = fc
	r.mu.Unlock()
}

func (r *ConnRegistry) lookup(id keyspace.Number160) (*framedConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fc, ok := r.conns[id]
	return fc, ok
}

func (r *ConnRegistry) remove(id keyspace.Number160) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Request 在节点的存活连接上发起请求
// 参数:
//   - ctx: context.Context 上下文
//   - id: keyspace.Number160 目的节点ID
//   - m: *message.Message 请求
//
// 返回值:
//   - *message.Message 应答
//   - error 错误信息
func (r *ConnRegistry) Request(ctx context.Context, id keyspace.Number160, m *message.Message) (*message.Message, error) {
	fc, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: 没有到 %s 的存活连接", ErrPeerUnreachable, id)
	}
	resp, err := fc.request(ctx, m)
	if err != nil {
		r.remove(id)
	}
	return resp, err
}

// TCPWire 是基于真实TCP套接字的承载
// 出站交换走一次性连接,入站连接长度成帧并保持存活
type TCPWire struct {
	dispatcher *Dispatcher
	ln         net.Listener
	sock       message.PeerSocketAddress
	registry   *ConnRegistry

	wg        sync.WaitGroup
	closeOnce sync.Once
	closedCh  chan struct{}
}

var _ Wire = (*TCPWire)(nil)

// NewTCPWire 监听给定地址并创建承载
// 参数:
//   - listenAddr: string 监听地址,如 "127.0.0.1:0"
//   - dispatcher: *Dispatcher 分发器
//
// 返回值:
//   - *TCPWire 承载
//   - error 错误信息
func NewTCPWire(listenAddr string, dispatcher *Dispatcher) (*TCPWire, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	addrPort, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}
	w := &TCPWire{
		dispatcher: dispatcher,
		ln:         ln,
		sock: message.PeerSocketAddress{
			Addr:    addrPort.Addr(),
			TCPPort: addrPort.Port(),
			UDPPort: addrPort.Port(),
		},
		registry: newConnRegistry(),
		closedCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.acceptLoop()
	return w, nil
}

// Registry 返回存活连接登记表
func (w *TCPWire) Registry() *ConnRegistry { return w.registry }

// LocalSocket 返回监听端点
func (w *TCPWire) LocalSocket() message.PeerSocketAddress { return w.sock }

func (w *TCPWire) acceptLoop() {
	defer w.wg.Done()
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			select {
			case <-w.closedCh:
			default:
				log.Debugw("接受连接失败", "error", err)
			}
			return
		}
		fc := newFramedConn(conn, w.dispatcher)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			// 发起过中继注册的连接按发送方ID登记,之后可以反向推送
			fc.serve(func(m *message.Message) {
				if m.Command == message.CommandRelay && m.SubCommand == message.SubCommandRelaySetup && m.IsRequest() {
					w.registry.Register(m.Sender.PeerID, fc)
				}
			})
		}()
	}
}

// Exchange 通过一次性连接完成请求应答
func (w *TCPWire) Exchange(ctx context.Context, to message.PeerSocketAddress, kind ChannelKind, m *message.Message) (*message.Message, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", to.Addr, to.TCPPort))
	if err != nil {
		return nil, errors.Join(ErrPeerUnreachable, err)
	}
	fc := newFramedConn(conn, w.dispatcher)
	go fc.serve(nil)
	defer fc.close()
	return fc.request(ctx, m)
}

// DialPermanent 建立到中继的长连
// 连接保持打开,对方推送的请求由本地分发器处理
// 参数:
//   - ctx: context.Context 上下文
//   - to: message.PeerSocketAddress 中继端点
//
// 返回值:
//   - *PermanentChannel 长连通道
//   - error 错误信息
func (w *TCPWire) DialPermanent(ctx context.Context, to message.PeerSocketAddress) (*PermanentChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", to.Addr, to.TCPPort))
	if err != nil {
		return nil, errors.Join(ErrPeerUnreachable, err)
	}
	fc := newFramedConn(conn, w.dispatcher)
	pc := &PermanentChannel{fc: fc}
	go fc.serve(nil)
	return pc, nil
}

// Close 停止监听并结束全部连接循环
func (w *TCPWire) Close() error {
	w.closeOnce.Do(func() {
		close(w.closedCh)
		w.ln.Close()
	})
	w.wg.Wait()
	return nil
}

// PermanentChannel 是保持打开的出站长连
type PermanentChannel struct {
	fc *framedConn
}

// Request 在长连上发起一次请求
func (pc *PermanentChannel) Request(ctx context.Context, m *message.Message) (*message.Message, error) {
	return pc.fc.request(ctx, m)
}

// Closed 返回连接关闭信号
func (pc *PermanentChannel) Closed() <-chan struct{} {
	return pc.fc.closedCh
}

// Close 关闭长连
func (pc *PermanentChannel) Close() error {
	pc.fc.close()
	return nil
}
