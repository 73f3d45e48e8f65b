// stordht 包实现带四段键存储、间接复制与NAT中继的Kademlia式覆盖网
package stordht

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/stordht/message"
	"github.com/dep2p/stordht/transport"
)

// 核心参数的默认值
const (
	// DefaultReplicationFactor 每个键的副本数
	DefaultReplicationFactor = 6
	// DefaultBagSize 每个桶的已验证条目容量
	DefaultBagSize = 2
	// DefaultAlpha 迭代查找的并行度
	DefaultAlpha = 3
	// DefaultK 查找结果的数量
	DefaultK = 20
	// DefaultMaxFailures 一次查找允许的失败RPC数
	DefaultMaxFailures = 3
	// DefaultMaxNoNewInfo 连续没有更近节点的轮数上限
	DefaultMaxNoNewInfo = 2
	// DefaultStorageInterval TTL清扫周期
	DefaultStorageInterval = 60 * time.Second
	// DefaultReplicationInterval 复制刷新周期
	DefaultReplicationInterval = 60 * time.Second
	// DefaultDelay otherResponsible 延迟路径的抖动上界
	DefaultDelay = 30 * time.Second
	// DefaultMaxRelays 中继连接数上限
	DefaultMaxRelays = message.MaxRelays
	// DefaultMinRelays 中继建立成功所需的最少连接数
	DefaultMinRelays = 1
)

// Config 汇集节点的全部配置
type Config struct {
	ReplicationFactor   int
	BagSize             int
	Alpha               int
	K                   int
	MaxFailures         int
	MaxNoNewInfo        int
	StorageInterval     time.Duration
	ReplicationInterval time.Duration
	Delay               time.Duration
	Connection          transport.ConnectionConfig

	// 能力开关,关闭的RPC不注册,对应的分布式操作不可用
	EnableHandShake    bool
	EnableStorage      bool
	EnableNeighbor     bool
	EnableDirectData   bool
	EnableQuit         bool
	EnableTracker      bool
	EnablePeerExchange bool
	EnableBroadcast    bool

	// BehindFirewall 为真时节点不监听,必须通过中继子系统参与
	BehindFirewall bool
	MaxRelays      int
	MinRelays      int

	SignatureFactory message.SignatureFactory
	Clock            clock.Clock

	// 承载与身份通过专用选项注入
	network    *transport.Network
	listenAddr string
	wire       transport.Wire
	keyPair    *message.KeyPair
}

// DefaultConfig 返回带默认值的配置
func DefaultConfig() Config {
	return Config{
		ReplicationFactor:   DefaultReplicationFactor,
		BagSize:             DefaultBagSize,
		Alpha:               DefaultAlpha,
		K:                   DefaultK,
		MaxFailures:         DefaultMaxFailures,
		MaxNoNewInfo:        DefaultMaxNoNewInfo,
		StorageInterval:     DefaultStorageInterval,
		ReplicationInterval: DefaultReplicationInterval,
		Delay:               DefaultDelay,
		Connection:          transport.DefaultConnectionConfig(),
		EnableHandShake:     true,
		EnableStorage:       true,
		EnableNeighbor:      true,
		EnableDirectData:    true,
		EnableQuit:          true,
		EnableTracker:       true,
		EnablePeerExchange:  true,
		EnableBroadcast:     true,
		MaxRelays:           DefaultMaxRelays,
		MinRelays:           DefaultMinRelays,
		SignatureFactory:    message.DSAFactory{},
		Clock:               clock.New(),
	}
}

// Option 调整一项配置
type Option func(*Config) error

// applyOptions 应用全部选项并校验
func applyOptions(cfg *Config, opts ...Option) error {
	for i, opt := range opts {
		if err := opt(cfg); err != nil {
			return fmt.Errorf("配置选项 %d 失败: %w", i, err)
		}
	}
	return cfg.validate()
}

func (cfg *Config) validate() error {
	if cfg.ReplicationFactor < 1 {
		return fmt.Errorf("副本数非法: %d", cfg.ReplicationFactor)
	}
	if cfg.Alpha < 1 || cfg.K < 1 {
		return fmt.Errorf("查找参数非法: alpha=%d k=%d", cfg.Alpha, cfg.K)
	}
	if cfg.MaxRelays < cfg.MinRelays {
		return fmt.Errorf("中继上限 %d 小于下限 %d", cfg.MaxRelays, cfg.MinRelays)
	}
	return nil
}

// ReplicationFactor 设置每个键的副本数
func ReplicationFactor(r int) Option {
	return func(cfg *Config) error {
		cfg.ReplicationFactor = r
		return nil
	}
}

// BagSize 设置每个桶的已验证条目容量
func BagSize(n int) Option {
	return func(cfg *Config) error {
		cfg.BagSize = n
		return nil
	}
}

// Alpha 设置迭代查找的并行度
func Alpha(a int) Option {
	return func(cfg *Config) error {
		cfg.Alpha = a
		return nil
	}
}

// K 设置查找结果的数量
func K(k int) Option {
	return func(cfg *Config) error {
		cfg.K = k
		return nil
	}
}

// StorageInterval 设置TTL清扫周期
func StorageInterval(d time.Duration) Option {
	return func(cfg *Config) error {
		cfg.StorageInterval = d
		return nil
	}
}

// ReplicationInterval 设置复制刷新周期
func ReplicationInterval(d time.Duration) Option {
	return func(cfg *Config) error {
		cfg.ReplicationInterval = d
		return nil
	}
}

// Delay 设置延迟复制路径的抖动上界
func Delay(d time.Duration) Option {
	return func(cfg *Config) error {
		cfg.Delay = d
		return nil
	}
}

// Connection 设置连接配置
func Connection(c transport.ConnectionConfig) Option {
	return func(cfg *Config) error {
		cfg.Connection = c
		return nil
	}
}

// BehindFirewall 声明节点无法接受入站连接
func BehindFirewall() Option {
	return func(cfg *Config) error {
		cfg.BehindFirewall = true
		return nil
	}
}

// MaxRelays 设置中继连接数上限
func MaxRelays(n int) Option {
	return func(cfg *Config) error {
		cfg.MaxRelays = n
		return nil
	}
}

// DisableStorage 关闭存储RPC
func DisableStorage() Option {
	return func(cfg *Config) error {
		cfg.EnableStorage = false
		return nil
	}
}

// DisableBroadcast 关闭广播RPC
func DisableBroadcast() Option {
	return func(cfg *Config) error {
		cfg.EnableBroadcast = false
		return nil
	}
}

// DisableDirectData 关闭直发RPC
func DisableDirectData() Option {
	return func(cfg *Config) error {
		cfg.EnableDirectData = false
		return nil
	}
}

// WithClock 注入时钟,测试用
func WithClock(c clock.Clock) Option {
	return func(cfg *Config) error {
		cfg.Clock = c
		return nil
	}
}

// WithSignatureFactory 注入签名能力
func WithSignatureFactory(f message.SignatureFactory) Option {
	return func(cfg *Config) error {
		cfg.SignatureFactory = f
		return nil
	}
}
