// future 包实现一次性完成原语
// 操作返回完成句柄,持有成功或失败状态、监听器链以及取消能力
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrShutdown 是节点关闭后所有未完成操作共享的失败哨兵
var ErrShutdown = errors.New("节点正在关闭")

// ErrCancelled 表示句柄被调用方取消
var ErrCancelled = errors.New("操作已取消")

// Completion 是一次性完成原语
// 首次 Done 或 Fail 调用固定最终状态,之后的调用不生效
// 监听器在完成时被调度,完成后注册的监听器立即运行
type Completion struct {
	mu        sync.Mutex
	doneCh    chan struct{}
	completed bool
	err       error
	reason    string
	listeners []func()
	cancelFn  func()
}

// NewCompletion 创建一个未完成的句柄
// 返回值:
//   - *Completion 完成句柄
func NewCompletion() *Completion {
	return &Completion{doneCh: make(chan struct{})}
}

// Done 以成功状态完成句柄
func (c *Completion) Done() {
	c.complete(nil, "")
}

// Fail 以失败状态完成句柄
// 参数:
//   - reason: string 失败原因
func (c *Completion) Fail(reason string) {
	c.complete(errors.New(reason), reason)
}

// FailErr 以给定错误完成句柄
// 参数:
//   - err: error 失败原因
func (c *Completion) FailErr(err error) {
	if err == nil {
		c.complete(nil, "")
		return
	}
	c.complete(err, err.Error())
}

func (c *Completion) complete(err error, reason string) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	c.err = err
	c.reason = reason
	listeners := c.listeners
	c.listeners = nil
	close(c.doneCh)
	c.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// Await 阻塞等待完成或上下文取消
// 参数:
//   - ctx: context.Context 上下文
//
// 返回值:
//   - error 失败原因,成功时为nil
func (c *Completion) Await(ctx context.Context) error {
	select {
	case <-c.doneCh:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitDone 返回完成信号通道
// 返回值:
//   - <-chan struct{} 完成时关闭
func (c *Completion) AwaitDone() <-chan struct{} {
	return c.doneCh
}

// AddListener 注册完成监听器
// 句柄已完成时监听器立即运行
// 参数:
//   - l: func() 监听器
func (c *Completion) AddListener(l func()) {
	c.mu.Lock()
	if !c.completed {
		c.listeners = append(c.listeners, l)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	l()
}

// IsCompleted 判断句柄是否已完成
func (c *Completion) IsCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// IsSuccess 判断句柄是否成功完成
func (c *Completion) IsSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed && c.err == nil
}

// IsFailed 判断句柄是否失败
func (c *Completion) IsFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed && c.err != nil
}

// Err 返回失败原因
// 返回值:
//   - error 未完成或成功时为nil
func (c *Completion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// FailedReason 返回失败原因字符串
func (c *Completion) FailedReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// SetCancel 安装取消回调
// Cancel 会调用该回调以释放底层通道和许可
// 参数:
//   - fn: func() 取消回调
func (c *Completion) SetCancel(fn func()) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.cancelFn = fn
	c.mu.Unlock()
}

// Cancel 取消未完成的操作
// 取消传播到底层通道,句柄以 ErrCancelled 失败
func (c *Completion) Cancel() {
	c.mu.Lock()
	fn := c.cancelFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	c.FailErr(ErrCancelled)
}
