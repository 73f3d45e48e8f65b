package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompletionDone(t *testing.T) {
	c := NewCompletion()
	require.False(t, c.IsCompleted())

	c.Done()
	require.True(t, c.IsCompleted())
	require.True(t, c.IsSuccess())
	require.NoError(t, c.Await(context.Background()))

	// 再次完成不生效
	c.Fail("late")
	require.True(t, c.IsSuccess())
}

func TestCompletionFail(t *testing.T) {
	c := NewCompletion()
	c.Fail("坏掉了")
	require.True(t, c.IsFailed())
	require.Equal(t, "坏掉了", c.FailedReason())
	require.Error(t, c.Await(context.Background()))
}

func TestCompletionListeners(t *testing.T) {
	c := NewCompletion()
	fired := 0
	c.AddListener(func() { fired++ })
	require.Equal(t, 0, fired)
	c.Done()
	require.Equal(t, 1, fired)

	// 完成后注册的监听器立即运行
	c.AddListener(func() { fired++ })
	require.Equal(t, 2, fired)
}

func TestCompletionAwaitContext(t *testing.T) {
	c := NewCompletion()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompletionCancel(t *testing.T) {
	c := NewCompletion()
	cancelled := false
	c.SetCancel(func() { cancelled = true })
	c.Cancel()
	require.True(t, cancelled)
	require.ErrorIs(t, c.Err(), ErrCancelled)
}

func TestLateJoinThreshold(t *testing.T) {
	lj := NewLateJoin(3, 2)
	a, b, c := NewCompletion(), NewCompletion(), NewCompletion()
	require.True(t, lj.Add(a))
	require.True(t, lj.Add(b))
	require.True(t, lj.Add(c))
	require.False(t, lj.Add(NewCompletion()))

	a.Done()
	require.False(t, lj.IsCompleted())
	b.Done()
	require.True(t, lj.IsSuccess())
}

func TestLateJoinFailure(t *testing.T) {
	lj := NewLateJoin(2, 2)
	a, b := NewCompletion(), NewCompletion()
	lj.Add(a)
	lj.Add(b)

	a.Done()
	b.Fail("单个失败")
	require.True(t, lj.IsFailed())
	require.Error(t, lj.Err())
}

func TestLateJoinEmpty(t *testing.T) {
	lj := NewLateJoin(0, 0)
	require.True(t, lj.IsSuccess())
}

func TestFailErrNil(t *testing.T) {
	c := NewCompletion()
	c.FailErr(nil)
	require.True(t, c.IsSuccess())
	require.False(t, errors.Is(c.Err(), ErrCancelled))
}
