package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/transport"
)

type node struct {
	self       keyspace.Number160
	dispatcher *transport.Dispatcher
	wire       *transport.InProcWire
	sender     *transport.Sender
	addr       message.PeerAddress
}

func newNode(t *testing.T, n *transport.Network, id uint64, firewalled bool) *node {
	t.Helper()
	self := keyspace.NewNumber160FromInt(id)
	d := transport.NewDispatcher(self)
	w := n.NewWire(d)
	return &node{
		self:       self,
		dispatcher: d,
		wire:       w,
		sender:     transport.NewSender(w, transport.NewReservation(transport.DefaultConnectionConfig()), time.Second),
		addr: message.PeerAddress{
			PeerID:        self,
			Socket:        w.LocalSocket(),
			FirewalledTCP: firewalled,
			FirewalledUDP: firewalled,
		},
	}
}

func TestClientSetupAndForward(t *testing.T) {
	n := transport.NewNetwork()
	relayNode := newNode(t, n, 1, false)
	unreachable := newNode(t, n, 2, true)

	var added []message.PeerAddress
	NewServer(relayNode.dispatcher, relayNode.sender, relayNode.wire,
		func() message.PeerAddress { return relayNode.addr },
		func(pa message.PeerAddress) { added = append(added, pa) })

	// 不可达节点应答经中继递送的握手
	unreachable.dispatcher.Register(message.CommandPing, func(ctx context.Context, m *message.Message) (*message.Message, error) {
		return m.Response(message.TypeOK, unreachable.addr), nil
	})

	var rewritten message.PeerAddress
	c := NewClient(ClientConfig{
		Self:      unreachable.self,
		Sender:    unreachable.sender,
		Wire:      unreachable.wire,
		MaxRelays: 5,
		MinRelays: 1,
		Address:   func() message.PeerAddress { return unreachable.addr },
		OnAddressUpdate: func(pa message.PeerAddress) {
			rewritten = pa
		},
	})
	defer c.Close()

	require.NoError(t, c.Setup(context.Background(), []message.PeerAddress{relayNode.addr}))

	// 通告地址被重写为带中继端点的形式
	require.True(t, rewritten.Relayed)
	require.Equal(t, []message.PeerSocketAddress{relayNode.wire.LocalSocket()}, rewritten.Relays)

	// 被中继节点进入中继的路由表视野
	require.Len(t, added, 1)
	require.True(t, added[0].Relayed)
	require.Equal(t, unreachable.self, added[0].PeerID)

	// 第三方把发往不可达节点的请求递给中继,由它转发
	third := newNode(t, n, 3, false)
	req := message.NewMessage(message.CommandPing, message.TypeRequest, 42, third.addr, unreachable.self)
	resp, err := third.sender.SendRequest(context.Background(), rewritten, req, transport.KindUDP)
	require.NoError(t, err)
	require.Equal(t, message.TypeOK, resp.Type)
	require.Equal(t, unreachable.self, resp.Sender.PeerID)
}

func TestClientSetupFailsBelowMinRelays(t *testing.T) {
	n := transport.NewNetwork()
	unreachable := newNode(t, n, 2, true)
	alsoUnreachable := newNode(t, n, 3, true)

	c := NewClient(ClientConfig{
		Self:            unreachable.self,
		Sender:          unreachable.sender,
		Wire:            unreachable.wire,
		MaxRelays:       5,
		MinRelays:       1,
		Address:         func() message.PeerAddress { return unreachable.addr },
		OnAddressUpdate: func(pa message.PeerAddress) {},
	})
	defer c.Close()

	// 防火墙后的候选与自身都不能当中继
	err := c.Setup(context.Background(), []message.PeerAddress{alsoUnreachable.addr, unreachable.addr})
	require.Error(t, err)
}
