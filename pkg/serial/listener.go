package serial

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ListenerState 监听器状态
type ListenerState int32

const (
	// StateBuilt 已构建，尚未开始监听
	StateBuilt ListenerState = iota
	// StateListening 监听循环运行中
	StateListening
	// StateStopped 已停止，终态
	StateStopped
)

// String 返回状态名称
func (s ListenerState) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener 后台行监听器。循环读取端口，把每条完整行
// 按注册顺序依次派发给回调；回调在监听goroutine上同步执行。
// 状态只会沿Built→Listening→Stopped推进，Stopped为终态。
type Listener struct {
	id       string
	port     *Port
	registry *callbackRegistry
	logger   *zap.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error // 停止原因，主动停止时为nil
}

// newListener 由ListenerBuilder.Build调用
func newListener(p *Port, reg *callbackRegistry) *Listener {
	l := &Listener{
		id:       uuid.New().String(),
		port:     p,
		registry: reg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	l.logger = p.logger.With(zap.String("listener_id", l.id))
	l.state.Store(int32(StateBuilt))
	return l
}

// ID 返回监听器实例ID，用于日志关联
func (l *Listener) ID() string {
	return l.id
}

// Listen 启动后台读取循环，立即返回。
// 只能从Built状态调用一次，重复调用或停止后调用返回错误，循环不会被重复启动。
func (l *Listener) Listen() error {
	if !l.state.CompareAndSwap(int32(StateBuilt), int32(StateListening)) {
		if l.State() == StateListening {
			return newErr(KindIO, "listen", l.port.path, "already listening")
		}
		return newErr(KindIO, "listen", l.port.path, "listener stopped")
	}
	l.logger.Info("开始监听串口",
		zap.String("path", l.port.path),
		zap.Int("callbacks", l.registry.size()))
	go l.run()
	return nil
}

// run 监听循环：超时继续等待，断开或I/O错误则终止并记录原因。
// 每次迭代受端口读超时约束，停止信号最迟在一个超时周期内被观察到。
func (l *Listener) run() {
	defer close(l.doneCh)
	defer l.port.releaseReadPath()

	for {
		select {
		case <-l.stopCh:
			l.logger.Info("收到停止信号，退出监听循环")
			l.finish(nil)
			return
		default:
		}

		line, _, err := l.port.readLine()
		if err != nil {
			switch KindOf(err) {
			case KindTimeout:
				continue
			case KindDisconnected:
				if l.stopRequested() {
					l.finish(nil)
					return
				}
				l.logger.Error("串口设备断开，停止监听", zap.Error(err))
				l.finish(err)
				return
			default:
				if l.stopRequested() {
					l.finish(nil)
					return
				}
				l.logger.Error("串口读取失败，停止监听", zap.Error(err))
				l.finish(err)
				return
			}
		}

		l.logger.Debug("收到完整行",
			zap.String("line", strings.TrimRight(line, "\r\n")),
			zap.Int("bytes", len(line)))
		l.registry.dispatch([]byte(line))
	}
}

// stopRequested 检查停止信号是否已发出
func (l *Listener) stopRequested() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// finish 记录停止原因并进入终态
func (l *Listener) finish(cause error) {
	l.errMu.Lock()
	l.err = cause
	l.errMu.Unlock()
	l.state.Store(int32(StateStopped))
	l.logger.Info("监听器已停止", zap.String("state", StateStopped.String()))
}

// Stop 停止监听：发出停止信号并等待监听循环退出后才返回，
// 因此Stop返回后不会再有任何回调被调用，端口读路径已归还。
// 可重复调用，重复调用返回已记录的停止原因。
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.state.CompareAndSwap(int32(StateBuilt), int32(StateStopped)) {
		// 从未启动，直接进入终态
		l.port.releaseReadPath()
		close(l.doneCh)
		l.logger.Info("监听器未启动即停止")
		return nil
	}
	<-l.doneCh
	return l.Err()
}

// State 返回监听器当前状态
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Err 返回监听终止原因。
// 主动Stop为nil；因设备断开或I/O错误自行终止时为对应错误；未停止时为nil。
func (l *Listener) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Done 返回监听循环退出时关闭的通道，可用于select等待
func (l *Listener) Done() <-chan struct{} {
	return l.doneCh
}
