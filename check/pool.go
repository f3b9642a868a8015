package check

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// RunPhase 用最多 workers 个协程处理 items，全部结束后才返回
// 取消或强制结束后不再派发新任务，已开始的任务自行按超时结束
// 返回实际执行的任务数
func RunPhase[T any](ctx context.Context, items []T, workers int, fn func(ctx context.Context, item T)) int {
	if len(items) == 0 {
		return 0
	}
	workers = max(1, min(workers, len(items)))

	var (
		wg      sync.WaitGroup
		next    atomic.Int64
		started atomic.Int64
	)
	next.Store(-1)

	for range workers {
		wg.Go(func() {
			for {
				i := next.Add(1)
				if i >= int64(len(items)) {
					return
				}
				if checkCtxDone(ctx) {
					return
				}
				started.Add(1)
				runTask(ctx, items[i], fn)
			}
		})
	}
	wg.Wait()
	return int(started.Load())
}

// runTask 单个任务 panic 只记录日志，不影响其他任务
func runTask[T any](ctx context.Context, item T, fn func(ctx context.Context, item T)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("任务异常: %v", r))
		}
	}()
	fn(ctx, item)
}

// checkCtxDone 上下文已取消或用户要求结束
func checkCtxDone(ctx context.Context) bool {
	if ForceClose.Load() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
