package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/simplelru"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dep2p/stordht/keyspace"
	"github.com/dep2p/stordht/message"
)

var log = logging.Logger("storage")

const (
	// entriesPrefix 是条目键的数据存储命名空间
	entriesPrefix = "/entries/"
	// timeoutsPrefix 是超时索引的命名空间
	timeoutsPrefix = "/timeouts/"
	// domainsPrefix 是域保护绑定的命名空间
	domainsPrefix = "/domains/"
)

var cacheSize = 1024

// MemoryBackend 是数据存储之上的后端实现
// 键采用定宽十六进制编码,数据存储的键序与密钥空间的键序一致
// 读取经过LRU缓存,写入和删除使缓存失效
type MemoryBackend struct {
	dstore ds.Datastore

	cacheMu sync.Mutex
	cache   *lru.LRU

	ctx context.Context
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend 创建内存后端
// 返回值:
//   - *MemoryBackend 后端
func NewMemoryBackend() *MemoryBackend {
	return NewBackend(dssync.MutexWrap(ds.NewMapDatastore()))
}

// NewBackend 在给定数据存储上创建后端
// 传入持久化数据存储即可获得落盘的存储层
// 参数:
//   - dstore: ds.Datastore 数据存储
//
// 返回值:
//   - *MemoryBackend 后端
func NewBackend(dstore ds.Datastore) *MemoryBackend {
	cache, err := lru.NewLRU(cacheSize, nil)
	if err != nil {
		// 容量为正时不会失败
		panic(err)
	}
	return &MemoryBackend{
		dstore: dstore,
		cache:  cache,
		ctx:    context.Background(),
	}
}

func hex640(key keyspace.Key640) string {
	return key.Location.String() + key.Domain.String() + key.Content.String() + key.Version.String()
}

func hex320(key keyspace.Key320) string {
	return key.Location.String() + key.Domain.String()
}

func entryKey(key keyspace.Key640) ds.Key {
	return ds.NewKey(entriesPrefix + hex640(key))
}

func timeoutKey(key keyspace.Key640, expirationMillis int64) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s%016x/%s", timeoutsPrefix, uint64(expirationMillis), hex640(key)))
}

func domainKey(key keyspace.Key320) ds.Key {
	return ds.NewKey(domainsPrefix + hex320(key))
}

// encodeEntry 序列化条目: 到达时刻(8) | 条目线格式
// 到达时刻不上线,但后端必须保留它以便恢复过期时刻
func encodeEntry(d *message.Data) ([]byte, error) {
	buf := message.NewBuffer()
	buf.WriteUint32(uint32(d.ValidFromMillis() >> 32))
	buf.WriteUint32(uint32(d.ValidFromMillis()))
	if err := d.Encode(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (*message.Data, error) {
	buf := message.NewBufferFrom(raw)
	if buf.Readable() < 8 {
		return nil, fmt.Errorf("条目记录损坏: 长度 %d", len(raw))
	}
	validFrom := int64(buf.ReadUint32())<<32 | int64(buf.ReadUint32())
	d, err := message.Decode(buf, nil)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("条目记录损坏: 负载不完整")
	}
	d.SetValidFromMillis(validFrom)
	return d, nil
}

// Contains 判断键是否存在
func (b *MemoryBackend) Contains(key keyspace.Key640) bool {
	b.cacheMu.Lock()
	if _, ok := b.cache.Get(hex640(key)); ok {
		b.cacheMu.Unlock()
		return true
	}
	b.cacheMu.Unlock()
	has, err := b.dstore.Has(b.ctx, entryKey(key))
	if err != nil {
		log.Error("读取数据存储失败: ", err)
		return false
	}
	return has
}

// Put 写入条目
func (b *MemoryBackend) Put(key keyspace.Key640, d *message.Data) bool {
	raw, err := encodeEntry(d)
	if err != nil {
		log.Error("序列化条目失败: ", err)
		return false
	}
	if err := b.dstore.Put(b.ctx, entryKey(key), raw); err != nil {
		log.Error("写入数据存储失败: ", err)
		return false
	}
	b.cacheMu.Lock()
	b.cache.Add(hex640(key), d)
	b.cacheMu.Unlock()
	return true
}

// Get 读取条目
func (b *MemoryBackend) Get(key keyspace.Key640) *message.Data {
	b.cacheMu.Lock()
	if v, ok := b.cache.Get(hex640(key)); ok {
		b.cacheMu.Unlock()
		return v.(*message.Data)
	}
	b.cacheMu.Unlock()

	raw, err := b.dstore.Get(b.ctx, entryKey(key))
	if err == ds.ErrNotFound {
		return nil
	}
	if err != nil {
		log.Error("读取数据存储失败: ", err)
		return nil
	}
	d, err := decodeEntry(raw)
	if err != nil {
		log.Error("解码条目失败: ", err)
		return nil
	}
	b.cacheMu.Lock()
	b.cache.Add(hex640(key), d)
	b.cacheMu.Unlock()
	return d
}

// Remove 删除并返回条目
func (b *MemoryBackend) Remove(key keyspace.Key640) *message.Data {
	d := b.Get(key)
	if d == nil {
		return nil
	}
	if err := b.dstore.Delete(b.ctx, entryKey(key)); err != nil {
		log.Error("从数据存储删除失败: ", err)
		return nil
	}
	b.cacheMu.Lock()
	b.cache.Remove(hex640(key))
	b.cacheMu.Unlock()
	return d
}

// SubMap 返回闭区间内的全部条目
func (b *MemoryBackend) SubMap(from, to keyspace.Key640) []Entry {
	fromHex, toHex := hex640(from), hex640(to)
	return b.scan(func(hexKey string) bool {
		return hexKey >= fromHex && hexKey <= toHex
	})
}

// Map 返回全部条目
func (b *MemoryBackend) Map() []Entry {
	return b.scan(func(string) bool { return true })
}

func (b *MemoryBackend) scan(match func(hexKey string) bool) []Entry {
	res, err := b.dstore.Query(b.ctx, dsq.Query{
		Prefix: "/entries",
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		log.Error("范围查询失败: ", err)
		return nil
	}
	defer res.Close()

	var out []Entry
	for {
		e, ok := res.NextSync()
		if !ok {
			break
		}
		if e.Error != nil {
			log.Error("范围查询得到错误: ", e.Error)
			continue
		}
		hexKey := strings.TrimPrefix(e.Key, entriesPrefix)
		if !match(hexKey) {
			continue
		}
		key, err := parseHex640(hexKey)
		if err != nil {
			log.Error("解析条目键失败: ", err)
			continue
		}
		d, err := decodeEntry(e.Value)
		if err != nil {
			log.Error("解码条目失败: ", err)
			continue
		}
		out = append(out, Entry{Key: key, Data: d})
	}
	return out
}

func parseHex640(s string) (keyspace.Key640, error) {
	var key keyspace.Key640
	if len(s) != 4*2*keyspace.ByteArraySize {
		return key, fmt.Errorf("条目键长度错误: %d", len(s))
	}
	var err error
	step := 2 * keyspace.ByteArraySize
	if key.Location, err = keyspace.NewNumber160FromString(s[0:step]); err != nil {
		return key, err
	}
	if key.Domain, err = keyspace.NewNumber160FromString(s[step : 2*step]); err != nil {
		return key, err
	}
	if key.Content, err = keyspace.NewNumber160FromString(s[2*step : 3*step]); err != nil {
		return key, err
	}
	if key.Version, err = keyspace.NewNumber160FromString(s[3*step:]); err != nil {
		return key, err
	}
	return key, nil
}

// AddTimeout 登记过期时刻
// 永不过期的条目不进入超时索引
func (b *MemoryBackend) AddTimeout(key keyspace.Key640, expirationMillis int64) {
	if expirationMillis == message.NoExpiry {
		return
	}
	if err := b.dstore.Put(b.ctx, timeoutKey(key, expirationMillis), []byte{1}); err != nil {
		log.Error("写入超时索引失败: ", err)
	}
}

// RemoveTimeout 注销超时索引
// 过期时刻不在手,按键前缀扫描索引
func (b *MemoryBackend) RemoveTimeout(key keyspace.Key640) {
	hexKey := hex640(key)
	res, err := b.dstore.Query(b.ctx, dsq.Query{Prefix: "/timeouts", KeysOnly: true})
	if err != nil {
		log.Error("超时索引查询失败: ", err)
		return
	}
	defer res.Close()
	for {
		e, ok := res.NextSync()
		if !ok {
			break
		}
		if strings.HasSuffix(e.Key, "/"+hexKey) {
			if err := b.dstore.Delete(b.ctx, ds.RawKey(e.Key)); err != nil && err != ds.ErrNotFound {
				log.Error("删除超时索引失败: ", err)
			}
		}
	}
}

// SubMapTimeout 返回已到期的全部键
func (b *MemoryBackend) SubMapTimeout(nowMillis int64) []keyspace.Key640 {
	bound := fmt.Sprintf("%016x", uint64(nowMillis))
	res, err := b.dstore.Query(b.ctx, dsq.Query{
		Prefix:   "/timeouts",
		Orders:   []dsq.Order{dsq.OrderByKey{}},
		KeysOnly: true,
	})
	if err != nil {
		log.Error("超时索引查询失败: ", err)
		return nil
	}
	defer res.Close()

	var out []keyspace.Key640
	for {
		e, ok := res.NextSync()
		if !ok {
			break
		}
		rest := strings.TrimPrefix(e.Key, timeoutsPrefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		// 索引按过期时刻排序,超过界限即可停止
		if parts[0] > bound {
			break
		}
		key, err := parseHex640(parts[1])
		if err != nil {
			log.Error("解析超时索引键失败: ", err)
			continue
		}
		out = append(out, key)
	}
	return out
}

// ProtectDomain 把分支绑定到公钥
func (b *MemoryBackend) ProtectDomain(key keyspace.Key320, publicKey message.PublicKey) bool {
	if err := b.dstore.Put(b.ctx, domainKey(key), publicKey); err != nil {
		log.Error("写入域保护失败: ", err)
		return false
	}
	return true
}

// IsDomainProtectedByOthers 判断分支是否被其他公钥保护
func (b *MemoryBackend) IsDomainProtectedByOthers(key keyspace.Key320, publicKey message.PublicKey) bool {
	raw, err := b.dstore.Get(b.ctx, domainKey(key))
	if err == ds.ErrNotFound {
		return false
	}
	if err != nil {
		log.Error("读取域保护失败: ", err)
		return false
	}
	return !message.PublicKey(raw).Equal(publicKey)
}

// Close 释放后端资源
func (b *MemoryBackend) Close() error {
	b.cacheMu.Lock()
	b.cache.Purge()
	b.cacheMu.Unlock()
	return b.dstore.Close()
}
