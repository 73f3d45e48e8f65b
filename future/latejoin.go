package future

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// LateJoin 等待 N 个子句柄,达到成功阈值即成功
// 所有子句柄都完成但成功数不足时,以聚合的子失败原因失败
type LateJoin struct {
	*Completion

	mu               sync.Mutex
	expected         int
	successThreshold int
	completed        int
	successes        int
	futures          []*Completion
	errs             *multierror.Error
}

// NewLateJoin 创建一个聚合句柄
// 参数:
//   - expected: int 子句柄总数
//   - successThreshold: int 判定成功所需的最少成功数
//
// 返回值:
//   - *LateJoin 聚合句柄
func NewLateJoin(expected, successThreshold int) *LateJoin {
	if successThreshold > expected {
		successThreshold = expected
	}
	lj := &LateJoin{
		Completion:       NewCompletion(),
		expected:         expected,
		successThreshold: successThreshold,
	}
	if expected == 0 {
		lj.Completion.Done()
	}
	return lj
}

// Add 加入一个子句柄
// 超出声明数量的加入会被拒绝
// 参数:
//   - f: *Completion 子句柄
//
// 返回值:
//   - bool 是否接受
func (lj *LateJoin) Add(f *Completion) bool {
	lj.mu.Lock()
	if len(lj.futures) >= lj.expected {
		lj.mu.Unlock()
		return false
	}
	lj.futures = append(lj.futures, f)
	lj.mu.Unlock()

	f.AddListener(func() { lj.childDone(f) })
	return true
}

func (lj *LateJoin) childDone(f *Completion) {
	lj.mu.Lock()
	lj.completed++
	if f.Err() == nil {
		lj.successes++
	} else {
		lj.errs = multierror.Append(lj.errs, f.Err())
	}
	successes := lj.successes
	completed := lj.completed
	errs := lj.errs
	lj.mu.Unlock()

	if successes >= lj.successThreshold {
		lj.Completion.Done()
		return
	}
	if completed >= lj.expected {
		lj.Completion.FailErr(fmt.Errorf("成功数不足: %d/%d: %w", successes, lj.successThreshold, errs.ErrorOrNil()))
	}
}

// Futures 返回已加入的子句柄快照
func (lj *LateJoin) Futures() []*Completion {
	lj.mu.Lock()
	defer lj.mu.Unlock()
	out := make([]*Completion, len(lj.futures))
	copy(out, lj.futures)
	return out
}
