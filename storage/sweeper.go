package storage

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultSweepInterval 是TTL清扫的默认周期
const DefaultSweepInterval = 60 * time.Second

// Sweeper 周期性移除已过期条目
type Sweeper struct {
	layer    *Layer
	interval time.Duration
	clock    clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper 创建清扫器
// 参数:
//   - layer: *Layer 存储层
//   - interval: time.Duration 清扫周期,非正时取默认值
//   - clk: clock.Clock 时钟,nil时使用真实时钟
//
// 返回值:
//   - *Sweeper 清扫器
func NewSweeper(layer *Layer, interval time.Duration, clk clock.Clock) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		layer:    layer,
		interval: interval,
		clock:    clk,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动清扫循环
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.Ticker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := s.layer.CheckTimeout(); len(removed) > 0 {
					log.Debugw("清扫过期条目", "count", len(removed))
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Close 停止清扫循环
func (s *Sweeper) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}
