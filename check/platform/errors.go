package platform

import (
	"context"
	"errors"
	"net"

	"github.com/sinspired/clash-probe/utils"
)

var (
	// ErrTimeout 探测在限定时间内没有完成
	ErrTimeout = errors.New("timeout")
	// ErrNoData 收到响应但没有可用数据，不等同于速度为 0
	ErrNoData = errors.New("no data")
	// ErrResolve 动态测速地址获取失败，该测速源跳过
	ErrResolve = errors.New("resolve target")
)

const maxReasonLen = 50

// Reason 把错误转换为保存到结果中的简短原因
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTimeout) {
		return ErrTimeout.Error()
	}
	return utils.TruncateReason(err, maxReasonLen)
}

// asTimeout 超时类错误统一为 ErrTimeout
func asTimeout(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}
