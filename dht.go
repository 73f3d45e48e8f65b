package stordht

import (
	"context"
	"errors"
	"sync"

	"github.com/dep2p/stordht/future"
	"github.com/dep2p/stordht/internal"
	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/storage"
	"github.com/dep2p/stordht/transport"
)

var (
	// ErrNoBroadcastAddress 表示路由表为空,广播无处可去
	ErrNoBroadcastAddress = errors.New("没有可广播的节点")
	// ErrIllegalArgument 表示本地调用参数非法
	ErrIllegalArgument = errors.New("参数非法")
)

// neighborQueryFn 构造迭代查找用的邻居查询函数
func (p *Peer) neighborQueryFn() queryFn {
	return func(ctx context.Context, pa message.PeerAddress) ([]message.PeerAddress, error) {
		req := p.newRequest(message.CommandNeighbors, pa.PeerID)
		target := p.self
		req.Target = &target
		resp, err := p.sender.SendRequest(ctx, pa, req, transport.KindUDP)
		if err != nil {
			return nil, err
		}
		return resp.Neighbors, nil
	}
}

func (p *Peer) neighborQueryFnFor(target keyspace.Number160) queryFn {
	return func(ctx context.Context, pa message.PeerAddress) ([]message.PeerAddress, error) {
		req := p.newRequest(message.CommandNeighbors, pa.PeerID)
		t := target
		req.Target = &t
		resp, err := p.sender.SendRequest(ctx, pa, req, transport.KindUDP)
		if err != nil {
			return nil, err
		}
		return resp.Neighbors, nil
	}
}

// RouteToClosest 对目标执行迭代查找
// 参数:
//   - ctx: context.Context 上下文
//   - target: keyspace.Number160 目标标识符
//
// 返回值:
//   - []message.PeerAddress 距目标最近的至多K个节点,按距离升序
//   - error 错误信息
func (p *Peer) RouteToClosest(ctx context.Context, target keyspace.Number160) ([]message.PeerAddress, error) {
	if p.isShutdown() {
		return nil, future.ErrShutdown
	}
	res, err := p.runLookup(ctx, target, p.neighborQueryFnFor(target), nil)
	if err != nil {
		return nil, err
	}
	return res.peers, nil
}

// routeAndSend 执行路由并把请求发给最近的R个节点
// 返回每个应答节点的原始应答,供投票合并
func (p *Peer) routeAndSend(ctx context.Context, location keyspace.Number160,
	makeReq func(pa message.PeerAddress) *message.Message) (map[keyspace.Number160]*message.Message, error) {
	ctx, span := internal.StartSpan(ctx, "RouteAndSend")
	defer span.End()

	closest, err := p.RouteToClosest(ctx, location)
	if err != nil && !errors.Is(err, ErrNoPeersQueried) {
		return nil, err
	}

	// 本节点自身也是副本候选,与查找结果一起按距离取前R个
	byID := map[keyspace.Number160]message.PeerAddress{p.self: p.Address()}
	ids := []keyspace.Number160{p.self}
	for _, pa := range closest {
		if _, dup := byID[pa.PeerID]; dup {
			continue
		}
		byID[pa.PeerID] = pa
		ids = append(ids, pa.PeerID)
	}
	sorted := keyspace.SortByDistance(ids, location)
	r := p.cfg.ReplicationFactor
	if len(sorted) > r {
		sorted = sorted[:r]
	}
	closest = closest[:0]
	for _, id := range sorted {
		closest = append(closest, byID[id])
	}

	var mu sync.Mutex
	raw := make(map[keyspace.Number160]*message.Message)
	var wg sync.WaitGroup
	for _, pa := range closest {
		pa := pa
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.sender.SendRequest(ctx, pa, makeReq(pa), transport.KindTCP)
			if err != nil {
				logger.Debugw("操作RPC失败", "to", pa.PeerID, "error", err)
				return
			}
			mu.Lock()
			raw[pa.PeerID] = resp
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(raw) == 0 {
		return nil, transport.ErrPeerUnreachable
	}
	return raw, nil
}

// PutOption 调整一次写入
type PutOption func(*putConfig)

type putConfig struct {
	publicKey   message.PublicKey
	claimDomain bool
	ifAbsent    bool
	keyPair     *message.KeyPair
	domain      keyspace.Number160
	version     keyspace.Number160
	basedOn     *keyspace.Number160
}

// WithPublicKey 以给定公钥写入
func WithPublicKey(pk message.PublicKey) PutOption {
	return func(c *putConfig) { c.publicKey = pk }
}

// ClaimDomain 写入时声明域保护
func ClaimDomain() PutOption {
	return func(c *putConfig) { c.claimDomain = true }
}

// IfAbsent 仅当键不存在时写入
func IfAbsent() PutOption {
	return func(c *putConfig) { c.ifAbsent = true }
}

// SignWith 写入前用密钥对给条目签名
func SignWith(kp *message.KeyPair) PutOption {
	return func(c *putConfig) {
		c.keyPair = kp
		c.publicKey = kp.Public
	}
}

// InDomain 指定域键
func InDomain(domain keyspace.Number160) PutOption {
	return func(c *putConfig) { c.domain = domain }
}

// AtVersion 指定版本键
func AtVersion(version keyspace.Number160) PutOption {
	return func(c *putConfig) { c.version = version }
}

// BasedOnVersion 记录版本祖先
func BasedOnVersion(basedOn keyspace.Number160) PutOption {
	return func(c *putConfig) { c.basedOn = &basedOn }
}

// FuturePut 是一次分布式写入的完成句柄
type FuturePut struct {
	*future.Completion

	mu     sync.Mutex
	stored []keyspace.Key640
	status storage.PutStatus
}

// Stored 返回获得多数确认的键
func (f *FuturePut) Stored() []keyspace.Key640 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored
}

// Status 返回合并后的写入状态
func (f *FuturePut) Status() storage.PutStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Put 把条目写到距位置键最近的R个节点
// 参数:
//   - ctx: context.Context 上下文
//   - key: keyspace.Key640 完整键
//   - d: *message.Data 条目
//   - opts: ...PutOption 写入选项
//
// 返回值:
//   - *FuturePut 完成句柄
func (p *Peer) Put(ctx context.Context, key keyspace.Key640, d *message.Data, opts ...PutOption) *FuturePut {
	f := &FuturePut{Completion: future.NewCompletion(), status: storage.PutFailed}
	if p.isShutdown() {
		f.FailErr(future.ErrShutdown)
		return f
	}
	cfg := &putConfig{}
	for _, o := range opts {
		o(cfg)
	}
	go func() {
		if cfg.keyPair != nil {
			if err := d.Sign(cfg.keyPair, p.cfg.SignatureFactory); err != nil {
				f.FailErr(err)
				return
			}
		}
		if cfg.basedOn != nil {
			d.SetBasedOn(*cfg.basedOn)
		}
		raw, err := p.routeAndSend(ctx, key.Location, func(pa message.PeerAddress) *message.Message {
			req := p.newRequest(message.CommandStore, pa.PeerID)
			if cfg.ifAbsent {
				req.SubCommand = message.SubCommandPutIfAbsent
			} else {
				req.SubCommand = message.SubCommandPut
			}
			req.DataMap = map[keyspace.Key640]*message.Data{key: d}
			req.PublicKey = cfg.publicKey
			if cfg.claimDomain {
				req.SetStatus(storeFlagClaimDomain)
			}
			return req
		})
		if err != nil {
			f.FailErr(err)
			return
		}

		rawKeys := make(map[keyspace.Number160][]keyspace.Key640, len(raw))
		worst := storage.PutOK
		for id, resp := range raw {
			rawKeys[id] = resp.KeySet
			if resp.HasStatus() && resp.Status != byte(storage.PutOK) && resp.Status != statusSignatureInvalid {
				worst = storage.PutStatus(resp.Status)
			}
			if resp.HasStatus() && resp.Status == statusSignatureInvalid {
				worst = storage.PutFailedSecurity
			}
		}
		stored := EvaluateKeys(rawKeys)

		f.mu.Lock()
		f.stored = stored
		if len(stored) > 0 {
			f.status = storage.PutOK
		} else {
			f.status = worst
		}
		f.mu.Unlock()
		if len(stored) > 0 {
			f.Done()
		} else {
			f.Fail("写入未获得多数确认: " + worst.String())
		}
	}()
	return f
}

// Add 把条目存到以负载哈希为内容键的位置上
// 参数:
//   - ctx: context.Context 上下文
//   - location: keyspace.Number160 位置键
//   - d: *message.Data 条目
//   - opts: ...PutOption 写入选项
//
// 返回值:
//   - *FuturePut 完成句柄
//   - keyspace.Key640 实际使用的完整键
func (p *Peer) Add(ctx context.Context, location keyspace.Number160, d *message.Data, opts ...PutOption) (*FuturePut, keyspace.Key640) {
	cfg := &putConfig{}
	for _, o := range opts {
		o(cfg)
	}
	key := keyspace.Key640{
		Location: location,
		Domain:   cfg.domain,
		Content:  d.Hash(),
		Version:  cfg.version,
	}
	return p.Put(ctx, key, d, opts...), key
}

// FutureGet 是一次分布式读取的完成句柄
type FutureGet struct {
	*future.Completion

	mu        sync.Mutex
	evaluated map[keyspace.Key640]*message.Data
	raw       map[keyspace.Number160]map[keyspace.Key640]*message.Data
}

// Data 返回投票合并后的单键结果
func (f *FutureGet) Data(key keyspace.Key640) *message.Data {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evaluated[key]
}

// DataMap 返回投票合并后的全部结果
func (f *FutureGet) DataMap() map[keyspace.Key640]*message.Data {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evaluated
}

// Raw 返回每个应答节点的原始结果
func (f *FutureGet) Raw() map[keyspace.Number160]map[keyspace.Key640]*message.Data {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw
}

// Get 从距位置键最近的R个节点读取单个键
// 返回值:
//   - *FutureGet 完成句柄
func (p *Peer) Get(ctx context.Context, key keyspace.Key640) *FutureGet {
	return p.get(ctx, key.Location, func(pa message.PeerAddress) *message.Message {
		req := p.newRequest(message.CommandStore, pa.PeerID)
		req.SubCommand = message.SubCommandGet
		k := key
		req.Key = &k
		return req
	})
}

// GetRange 从距位置键最近的R个节点读取闭区间
// 上下界必须共享位置键
// 返回值:
//   - *FutureGet 完成句柄
func (p *Peer) GetRange(ctx context.Context, from, to keyspace.Key640, keyBloom, contentBloom *message.BloomFilter) *FutureGet {
	if from.Location != to.Location {
		f := &FutureGet{Completion: future.NewCompletion()}
		f.FailErr(ErrIllegalArgument)
		return f
	}
	return p.get(ctx, from.Location, func(pa message.PeerAddress) *message.Message {
		req := p.newRequest(message.CommandStore, pa.PeerID)
		req.SubCommand = message.SubCommandGetRange
		fk, tk := from, to
		req.KeyFrom, req.KeyTo = &fk, &tk
		req.KeyBloom = keyBloom
		req.HashBloom = contentBloom
		return req
	})
}

func (p *Peer) get(ctx context.Context, location keyspace.Number160, makeReq func(pa message.PeerAddress) *message.Message) *FutureGet {
	f := &FutureGet{Completion: future.NewCompletion()}
	if p.isShutdown() {
		f.FailErr(future.ErrShutdown)
		return f
	}
	go func() {
		rawResp, err := p.routeAndSend(ctx, location, makeReq)
		if err != nil {
			f.FailErr(err)
			return
		}
		raw := make(map[keyspace.Number160]map[keyspace.Key640]*message.Data, len(rawResp))
		for id, resp := range rawResp {
			if resp.DataMap != nil {
				raw[id] = resp.DataMap
			} else {
				raw[id] = map[keyspace.Key640]*message.Data{}
			}
		}
		f.mu.Lock()
		f.raw = raw
		f.evaluated = EvaluateData(raw)
		f.mu.Unlock()
		f.Done()
	}()
	return f
}

// FutureRemove 是一次分布式删除的完成句柄
type FutureRemove struct {
	*future.Completion

	mu      sync.Mutex
	removed []keyspace.Key640
}

// Removed 返回获得多数确认的被删除键
func (f *FutureRemove) Removed() []keyspace.Key640 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}

// Remove 从距位置键最近的R个节点删除单个键
// 参数:
//   - ctx: context.Context 上下文
//   - key: keyspace.Key640 完整键
//   - publicKey: message.PublicKey 删除者公钥,可为nil
//
// 返回值:
//   - *FutureRemove 完成句柄
func (p *Peer) Remove(ctx context.Context, key keyspace.Key640, publicKey message.PublicKey) *FutureRemove {
	f := &FutureRemove{Completion: future.NewCompletion()}
	if p.isShutdown() {
		f.FailErr(future.ErrShutdown)
		return f
	}
	go func() {
		raw, err := p.routeAndSend(ctx, key.Location, func(pa message.PeerAddress) *message.Message {
			req := p.newRequest(message.CommandStore, pa.PeerID)
			req.SubCommand = message.SubCommandRemove
			k := key
			req.Key = &k
			req.PublicKey = publicKey
			return req
		})
		if err != nil {
			f.FailErr(err)
			return
		}
		rawKeys := make(map[keyspace.Number160][]keyspace.Key640, len(raw))
		for id, resp := range raw {
			rawKeys[id] = resp.KeySet
		}
		f.mu.Lock()
		f.removed = EvaluateKeys(rawKeys)
		f.mu.Unlock()
		f.Done()
	}()
	return f
}

// FutureDigest 是一次分布式摘要的完成句柄
type FutureDigest struct {
	*future.Completion

	mu     sync.Mutex
	digest *message.DigestInfo
}

// Digest 返回投票合并后的摘要
func (f *FutureDigest) Digest() *message.DigestInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.digest
}

// Digest 收集距位置键最近的R个节点上一个分支的摘要
// 参数:
//   - ctx: context.Context 上下文
//   - branch: keyspace.Key320 位置与域
//   - keyBloom, contentBloom: *message.BloomFilter 可选过滤器
//
// 返回值:
//   - *FutureDigest 完成句柄
func (p *Peer) Digest(ctx context.Context, branch keyspace.Key320, keyBloom, contentBloom *message.BloomFilter) *FutureDigest {
	f := &FutureDigest{Completion: future.NewCompletion()}
	if p.isShutdown() {
		f.FailErr(future.ErrShutdown)
		return f
	}
	go func() {
		raw, err := p.routeAndSend(ctx, branch.Location, func(pa message.PeerAddress) *message.Message {
			req := p.newRequest(message.CommandStore, pa.PeerID)
			req.SubCommand = message.SubCommandDigest
			k := keyspace.MinKey640In(branch)
			req.Key = &k
			req.KeyBloom = keyBloom
			req.HashBloom = contentBloom
			return req
		})
		if err != nil {
			f.FailErr(err)
			return
		}
		rawDigests := make(map[keyspace.Number160]*message.DigestInfo, len(raw))
		for id, resp := range raw {
			rawDigests[id] = resp.Digest
		}
		f.mu.Lock()
		f.digest = EvaluateDigests(rawDigests)
		f.mu.Unlock()
		f.Done()
	}()
	return f
}

// FutureSend 是一次直发的完成句柄
type FutureSend struct {
	*future.Completion

	mu      sync.Mutex
	replies map[keyspace.Number160][]byte
}

// Replies 返回每个应答节点的回复负载
func (f *FutureSend) Replies() map[keyspace.Number160][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies
}

// SendDirectConfig 调整一次直发
type SendDirectConfig struct {
	// CancelOnFinish 首个确认到达后立即中止其余发送
	CancelOnFinish bool
	// Progress 每收到一个节点的确认时回调
	Progress func(from keyspace.Number160)
}

// SendDirect 把不透明负载发给距目标最近的R个节点
// 参数:
//   - ctx: context.Context 上下文
//   - target: keyspace.Number160 目标标识符
//   - payload: []byte 负载
//   - cfg: *SendDirectConfig 直发配置,可为nil
//
// 返回值:
//   - *FutureSend 完成句柄
func (p *Peer) SendDirect(ctx context.Context, target keyspace.Number160, payload []byte, cfg *SendDirectConfig) *FutureSend {
	f := &FutureSend{Completion: future.NewCompletion(), replies: make(map[keyspace.Number160][]byte)}
	if p.isShutdown() {
		f.FailErr(future.ErrShutdown)
		return f
	}
	if cfg == nil {
		cfg = &SendDirectConfig{}
	}
	go func() {
		closest, err := p.RouteToClosest(ctx, target)
		if err != nil {
			f.FailErr(err)
			return
		}
		r := p.cfg.ReplicationFactor
		if len(closest) > r {
			closest = closest[:r]
		}

		sendCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var wg sync.WaitGroup
		for _, pa := range closest {
			pa := pa
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := p.newRequest(message.CommandDirect, pa.PeerID)
				req.SetBuffer(payload)
				resp, err := p.sender.SendRequest(sendCtx, pa, req, transport.KindTCP)
				if err != nil {
					return
				}
				f.mu.Lock()
				if resp.HasBuffer() {
					f.replies[pa.PeerID] = resp.Buffer
				} else {
					f.replies[pa.PeerID] = nil
				}
				f.mu.Unlock()
				if cfg.Progress != nil {
					cfg.Progress(pa.PeerID)
				}
				if cfg.CancelOnFinish {
					// 首个确认即收束其余通道
					cancel()
				}
			}()
		}
		wg.Wait()

		f.mu.Lock()
		got := len(f.replies)
		f.mu.Unlock()
		if got == 0 {
			f.Fail("没有节点确认直发")
			return
		}
		f.Done()
	}()
	return f
}

// Broadcast 发起一次结构化广播
// 消息键用于去重,负载发给路由表中的每个已验证节点,收到的节点再逐跳转发
// 参数:
//   - ctx: context.Context 上下文
//   - messageKey: keyspace.Number160 消息键
//   - dataMap: map[keyspace.Key640]*message.Data 负载
//
// 返回值:
//   - *future.Completion 完成句柄
func (p *Peer) Broadcast(ctx context.Context, messageKey keyspace.Number160, dataMap map[keyspace.Key640]*message.Data) *future.Completion {
	f := future.NewCompletion()
	if p.isShutdown() {
		f.FailErr(future.ErrShutdown)
		return f
	}
	if !p.cfg.EnableBroadcast {
		f.FailErr(ErrIllegalArgument)
		return f
	}
	if p.peerMap.Size() == 0 {
		f.FailErr(ErrNoBroadcastAddress)
		return f
	}
	p.handlerMu.Lock()
	p.broadcastSeen.Add(messageKey, struct{}{})
	p.handlerMu.Unlock()
	p.forwardBroadcast(ctx, messageKey, dataMap, 0)
	f.Done()
	return f
}
