package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"

	gobug "go.bug.st/serial"
)

// Kind 错误类别
type Kind int

const (
	// KindNone 无错误
	KindNone Kind = iota
	// KindTimeout 读取超时，可重试
	KindTimeout
	// KindDisconnected 设备断开，端口不可恢复
	KindDisconnected
	// KindIO 其他I/O错误
	KindIO
)

// String 返回类别名称
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindIO:
		return "io error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// 哨兵错误，供errors.Is匹配类别
var (
	ErrTimeout      = errors.New("serial: timeout")
	ErrDisconnected = errors.New("serial: disconnected")
	ErrIO           = errors.New("serial: io error")
)

// Error 串口错误，携带类别与操作上下文
type Error struct {
	Kind  Kind   // 错误类别
	Op    string // 操作名
	Path  string // 设备路径
	Msg   string // 附加说明
	Cause error  // 原始错误
}

// Error 实现error接口
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("serial: ")
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap 返回原始错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 支持errors.Is按类别哨兵匹配
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrDisconnected:
		return e.Kind == KindDisconnected
	case ErrIO:
		return e.Kind == KindIO
	}
	return false
}

// Timeout 报告是否为读超时
func (e *Error) Timeout() bool {
	return e.Kind == KindTimeout
}

// Temporary 报告错误是否可能在重试后消失
func (e *Error) Temporary() bool {
	return e.Kind == KindTimeout
}

// newErr 创建指定类别的串口错误
func newErr(kind Kind, op, path, msg string) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: msg}
}

// wrapErr 包装底层驱动错误并按特征归类
func wrapErr(err error, op, path string) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: classify(err), Op: op, Path: path, Cause: err}
}

// KindOf 返回错误所属类别，nil返回KindNone
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return classify(err)
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	return KindOf(err) == KindTimeout
}

// classify 按底层错误特征归类未包装的驱动错误
func classify(err error) Kind {
	var pe *gobug.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case gobug.PortClosed:
			// 驱动在读取中途发现设备消失时报告PortClosed
			return KindDisconnected
		default:
			return KindIO
		}
	}
	if errors.Is(err, io.EOF) {
		return KindDisconnected
	}
	s := err.Error()
	switch {
	// 常见USB-CDC设备断开时的系统错误表现
	case strings.Contains(s, "input/output error"),
		strings.Contains(s, "device not configured"),
		strings.Contains(s, "broken pipe"),
		strings.Contains(s, "no such device"),
		strings.Contains(s, "device disconnected"):
		return KindDisconnected
	case strings.Contains(s, "timeout"):
		return KindTimeout
	}
	return KindIO
}
