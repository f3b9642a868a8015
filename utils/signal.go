package utils

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

var ctrlCOccurred atomic.Bool

// ShutdownHook 第二次 Ctrl+C 或空闲时收到中断信号调用
var ShutdownHook func()

// SetupSignalHandler 第一次 Ctrl+C 在检测过程中只停止本轮漏斗，再次按下才退出
func SetupSignalHandler(forceClose *atomic.Bool, checking *atomic.Bool) <-chan struct{} {
	slog.Debug("设置信号处理器")

	stop := make(chan struct{})

	ctrlCSigChan := make(chan os.Signal, 1)
	signal.Notify(ctrlCSigChan, syscall.SIGINT, syscall.SIGTERM)

	hupSigChan := make(chan os.Signal, 1)
	signal.Notify(hupSigChan, syscall.SIGHUP)

	go func() {
		for sig := range ctrlCSigChan {
			slog.Debug("收到中断信号", "sig", sig)

			if checking.Load() {
				if ctrlCOccurred.CompareAndSwap(false, true) {
					forceClose.Store(true)
					slog.Warn("已发送停止检测信号，当前阶段结束后将输出已有结果。再次按 Ctrl+C 将立即退出程序")
					continue
				}
			}

			if ShutdownHook != nil {
				ShutdownHook()
			}
			select {
			case <-stop:
			default:
				close(stop)
			}

			// 5s 后仍未退出则强制退出
			time.AfterFunc(5*time.Second, func() {
				os.Exit(0)
			})
		}
	}()

	go func() {
		for sig := range hupSigChan {
			slog.Info("收到 HUP 信号", "sig", sig)
			forceClose.Store(true)
		}
	}()

	return stop
}

// ResetInterrupt 每轮检测开始前调用，允许下一轮再次使用第一次 Ctrl+C 停止检测
func ResetInterrupt(forceClose *atomic.Bool) {
	ctrlCOccurred.Store(false)
	forceClose.Store(false)
}
