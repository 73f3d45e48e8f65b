// relay 包实现NAT中继子系统
// 不可达节点与若干中继保持长连,中继替它转发请求并参与路由
package relay

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/transport"
)

var log = logging.Logger("relay")

// pushFn 把请求推给被中继的节点并带回应答
type pushFn func(ctx context.Context, m *message.Message) (*message.Message, error)

// Forwarder 把发往被中继节点的请求沿已建立的连接递送
// 挂载在分发层,按目的节点ID命中
type Forwarder struct {
	dest keyspace.Number160
	push pushFn
}

var _ transport.Forwarder = (*Forwarder)(nil)

// Forward 转发请求并带回应答
func (f *Forwarder) Forward(ctx context.Context, m *message.Message) (*message.Message, error) {
	resp, err := f.push(ctx, m)
	if err != nil {
		log.Debugw("中继转发失败", "dest", f.dest, "command", m.Command, "error", err)
		return nil, err
	}
	return resp, nil
}

// Server 在中继侧处理注册请求
// 注册成功后为发送方挂载转发器,发往它的请求经本节点递送
type Server struct {
	dispatcher *transport.Dispatcher
	sender     *transport.Sender
	wire       transport.Wire
	address    func() message.PeerAddress
	addPeer    func(pa message.PeerAddress)
}

// NewServer 创建中继服务端并注册RELAY处理器
// 参数:
//   - dispatcher: *transport.Dispatcher 分发器
//   - sender: *transport.Sender 发送器
//   - wire: transport.Wire 承载
//   - address: func() message.PeerAddress 本节点地址提供者
//   - addPeer: func(pa message.PeerAddress) 把被中继节点纳入本节点路由表
//
// 返回值:
//   - *Server 中继服务端
func NewServer(dispatcher *transport.Dispatcher, sender *transport.Sender, wire transport.Wire,
	address func() message.PeerAddress, addPeer func(pa message.PeerAddress)) *Server {
	s := &Server{dispatcher: dispatcher, sender: sender, wire: wire, address: address, addPeer: addPeer}
	dispatcher.Register(message.CommandRelay, s.handleRelay)
	return s
}

func (s *Server) handleRelay(ctx context.Context, m *message.Message) (*message.Message, error) {
	switch m.SubCommand {
	case message.SubCommandRelaySetup:
		dest := m.Sender.PeerID
		s.dispatcher.AddForwarder(dest, &Forwarder{dest: dest, push: s.pushFor(m.Sender)})

		// 被中继节点以带中继端点的地址进入本节点路由表
		// 本节点替它应答邻居查询,它因此保持可路由
		relayed := m.Sender
		relayed.Relayed = true
		relayed.Relays = []message.PeerSocketAddress{s.wire.LocalSocket()}
		if s.addPeer != nil {
			s.addPeer(relayed)
		}
		log.Debugw("中继注册", "peer", dest)

		resp := m.Response(message.TypeOK, s.address())
		resp.SubCommand = message.SubCommandRelaySetup
		return resp, nil
	default:
		return nil, transport.ErrProtocolViolated
	}
}

// pushFor 选择把请求递送给被中继节点的途径
// 真实TCP承载沿注册时保持的入站长连反向推送,进程内承载直接送到注册时的端点
func (s *Server) pushFor(registered message.PeerAddress) pushFn {
	if tcp, ok := s.wire.(*transport.TCPWire); ok {
		return func(ctx context.Context, m *message.Message) (*message.Message, error) {
			return tcp.Registry().Request(ctx, registered.PeerID, m)
		}
	}
	direct := message.PeerAddress{PeerID: registered.PeerID, Socket: registered.Socket}
	return func(ctx context.Context, m *message.Message) (*message.Message, error) {
		return s.sender.SendRequest(ctx, direct, m, transport.KindPermanentTCP)
	}
}
