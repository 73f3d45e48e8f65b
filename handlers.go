package stordht

import (
	"context"

	lru "github.com/hashicorp/golang-lru/simplelru"

	"github.com/dep2p/stordht/internal"
	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/peermap"
	"github.com/dep2p/stordht/storage"
	"github.com/dep2p/stordht/transport"
)

// 请求状态字节的标志位
const (
	// storeFlagClaimDomain 写入时声明域保护
	storeFlagClaimDomain = 0x01
)

// statusSignatureInvalid 表示条目签名校验失败
const statusSignatureInvalid byte = 0xfe

// broadcastSeenSize 是广播去重缓存的容量
const broadcastSeenSize = 1024

// maxBroadcastHops 是广播的跳数上限
const maxBroadcastHops = 6

// DirectDataHandler 处理一条直发的负载
type DirectDataHandler func(ctx context.Context, sender message.PeerAddress, payload []byte) ([]byte, error)

// BroadcastHandler 处理一条到达的广播
type BroadcastHandler func(messageKey keyspace.Number160, dataMap map[keyspace.Key640]*message.Data)

// SetDirectDataHandler 安装直发负载的处理器
func (p *Peer) SetDirectDataHandler(h DirectDataHandler) {
	p.handlerMu.Lock()
	p.directHandler = h
	p.handlerMu.Unlock()
}

// SetBroadcastHandler 安装广播处理器
func (p *Peer) SetBroadcastHandler(h BroadcastHandler) {
	p.handlerMu.Lock()
	p.broadcastHandler = h
	p.handlerMu.Unlock()
}

// registerHandlers 按能力开关注册RPC处理器
// 关闭的RPC不注册,对应请求将以没有处理器被拒绝
func (p *Peer) registerHandlers() {
	seen, err := lru.NewLRU(broadcastSeenSize, nil)
	if err != nil {
		panic(err)
	}
	p.broadcastSeen = seen

	if p.cfg.EnableHandShake {
		p.dispatcher.Register(message.CommandPing, p.handlePing)
	}
	if p.cfg.EnableStorage {
		p.dispatcher.Register(message.CommandStore, p.handleStore)
	}
	if p.cfg.EnableNeighbor {
		p.dispatcher.Register(message.CommandNeighbors, p.handleNeighbors)
	}
	if p.cfg.EnableDirectData {
		p.dispatcher.Register(message.CommandDirect, p.handleDirect)
	}
	if p.cfg.EnableQuit {
		p.dispatcher.Register(message.CommandQuit, p.handleQuit)
	}
	if p.cfg.EnablePeerExchange {
		p.dispatcher.Register(message.CommandPeerExchange, p.handlePeerExchange)
	}
	if p.cfg.EnableBroadcast {
		p.dispatcher.Register(message.CommandBroadcast, p.handleBroadcast)
	}
}

func (p *Peer) handlePing(ctx context.Context, m *message.Message) (*message.Message, error) {
	// 握手成功的直连节点进入已验证袋
	// 被中继的节点只进溢出袋,只能通过它的中继寻址
	if m.Sender.Relayed {
		_, _ = p.peerMap.Add(m.Sender, false)
	} else {
		p.peerMap.PeerFound(m.Sender)
	}
	return m.Response(message.TypeOK, p.Address()), nil
}

func (p *Peer) handleNeighbors(ctx context.Context, m *message.Message) (*message.Message, error) {
	resp := m.Response(message.TypeOK, p.Address())
	if m.Target != nil {
		resp.Neighbors = p.peerMap.ClosestPeers(*m.Target, p.cfg.K)
	}
	// 请求带键时附上对应分支的摘要;本节点发出的邻居查询只带目标不带键
	if m.Key != nil {
		resp.Digest = p.storage.DigestBranch(m.Key.LocationAndDomain(), m.KeyBloom, m.HashBloom)
	}
	return resp, nil
}

func (p *Peer) handleStore(ctx context.Context, m *message.Message) (*message.Message, error) {
	resp := m.Response(message.TypeOK, p.Address())
	switch m.SubCommand {
	case message.SubCommandPut, message.SubCommandPutIfAbsent:
		putIfAbsent := m.SubCommand == message.SubCommandPutIfAbsent
		claimDomain := m.HasStatus() && m.Status&storeFlagClaimDomain != 0
		var stored []keyspace.Key640
		status := byte(storage.PutOK)
		for k, d := range m.DataMap {
			if d.IsSigned() {
				ok, err := d.Verify(d.PublicKey(), p.cfg.SignatureFactory)
				if err != nil || !ok {
					logger.Debugw("条目签名校验失败, 拒绝", "key", k, "error", err)
					status = statusSignatureInvalid
					continue
				}
			}
			st := p.storage.Put(k, d, m.PublicKey, putIfAbsent, claimDomain)
			if st != storage.PutOK {
				status = byte(st)
				continue
			}
			stored = append(stored, k)
			// 成功写入即成为该位置键的责任节点之一
			p.storage.Responsibility().Update(k.Location, p.self)
		}
		resp.KeySet = stored
		resp.SetStatus(status)
	case message.SubCommandGet:
		if m.Key != nil {
			dataMap := make(map[keyspace.Key640]*message.Data)
			if d := p.storage.Get(*m.Key); d != nil {
				dataMap[*m.Key] = d
			}
			resp.DataMap = dataMap
		}
	case message.SubCommandGetRange:
		if m.KeyFrom != nil && m.KeyTo != nil {
			resp.DataMap = p.storage.GetRange(*m.KeyFrom, *m.KeyTo, m.KeyBloom, m.HashBloom)
		}
	case message.SubCommandRemove:
		if m.Key != nil {
			if removed := p.storage.Remove(*m.Key, m.PublicKey); removed != nil {
				resp.KeySet = []keyspace.Key640{*m.Key}
			}
		}
	case message.SubCommandRemoveRange:
		if m.KeyFrom != nil && m.KeyTo != nil {
			removed := p.storage.RemoveRange(*m.KeyFrom, *m.KeyTo, m.PublicKey)
			keys := make([]keyspace.Key640, 0, len(removed))
			for k := range removed {
				keys = append(keys, k)
			}
			resp.KeySet = keys
		}
	case message.SubCommandDigest:
		switch {
		case m.KeySet != nil:
			resp.Digest = p.storage.DigestKeys(m.KeySet)
		case m.Key != nil:
			resp.Digest = p.storage.DigestBranch(m.Key.LocationAndDomain(), m.KeyBloom, m.HashBloom)
		}
	case message.SubCommandDigestRange:
		if m.KeyFrom != nil && m.KeyTo != nil {
			resp.Digest = p.storage.Digest(*m.KeyFrom, *m.KeyTo)
		}
	default:
		resp = m.Response(message.TypeFail, p.Address())
	}
	return resp, nil
}

func (p *Peer) handleDirect(ctx context.Context, m *message.Message) (*message.Message, error) {
	p.handlerMu.RLock()
	h := p.directHandler
	p.handlerMu.RUnlock()

	resp := m.Response(message.TypeOK, p.Address())
	if h == nil || !m.HasBuffer() {
		return resp, nil
	}
	logger.Debugw("收到直发负载", "from", m.Sender.PeerID, "payload", internal.LoggableKeyBytes(m.Buffer[:min(len(m.Buffer), 16)]))
	reply, err := h(ctx, m.Sender, m.Buffer)
	if err != nil {
		return m.Response(message.TypeFail, p.Address()), nil
	}
	if reply != nil {
		resp.SetBuffer(reply)
	}
	return resp, nil
}

func (p *Peer) handleQuit(ctx context.Context, m *message.Message) (*message.Message, error) {
	p.peerMap.Remove(m.Sender.PeerID, peermap.ReasonShutdown)
	return m.Response(message.TypeAck, p.Address()), nil
}

func (p *Peer) handlePeerExchange(ctx context.Context, m *message.Message) (*message.Message, error) {
	resp := m.Response(message.TypeOK, p.Address())
	target := m.Sender.PeerID
	if m.Target != nil {
		target = *m.Target
	}
	resp.Neighbors = p.peerMap.ClosestPeers(target, p.cfg.K)
	return resp, nil
}

func (p *Peer) handleBroadcast(ctx context.Context, m *message.Message) (*message.Message, error) {
	resp := m.Response(message.TypeAck, p.Address())
	if m.Target == nil {
		return resp, nil
	}
	messageKey := *m.Target

	p.handlerMu.Lock()
	if _, dup := p.broadcastSeen.Get(messageKey); dup {
		p.handlerMu.Unlock()
		return resp, nil
	}
	p.broadcastSeen.Add(messageKey, struct{}{})
	h := p.broadcastHandler
	p.handlerMu.Unlock()

	if h != nil {
		h(messageKey, m.DataMap)
	}

	hop := m.IntValue
	if hop+1 < maxBroadcastHops {
		// 转发不随入站请求的上下文一起取消
		p.forwardBroadcast(context.WithoutCancel(ctx), messageKey, m.DataMap, hop+1)
	}
	return resp, nil
}

// forwardBroadcast 把广播转发给路由表中的每个已验证节点
func (p *Peer) forwardBroadcast(ctx context.Context, messageKey keyspace.Number160, dataMap map[keyspace.Key640]*message.Data, hop uint32) {
	seen := make(map[keyspace.Number160]struct{})
	for _, pa := range p.peerMap.All() {
		if _, dup := seen[pa.PeerID]; dup {
			continue
		}
		seen[pa.PeerID] = struct{}{}
		req := p.newRequest(message.CommandBroadcast, pa.PeerID)
		req.Target = &messageKey
		req.DataMap = dataMap
		req.SetIntValue(hop)
		p.sender.FireAndForget(ctx, pa, req, transport.KindUDP)
	}
}
