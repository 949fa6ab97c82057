// Package serial 提供面向行的串口通信层：
// 读超时可动态调整、未完成行跨调用保留、后台监听器独占读路径并按序派发完整行。
package serial

import (
	"fmt"
	"sync"
	"time"

	gobug "go.bug.st/serial"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Parity 校验位
type Parity = gobug.Parity

// 校验位取值
const (
	ParityNone = gobug.NoParity
	ParityOdd  = gobug.OddParity
	ParityEven = gobug.EvenParity
)

// StopBits 停止位
type StopBits = gobug.StopBits

// 停止位取值
const (
	StopBitsOne          = gobug.OneStopBit
	StopBitsOnePointFive = gobug.OnePointFiveStopBits
	StopBitsTwo          = gobug.TwoStopBits
)

// defaultPollInterval 监听期间阻塞模式下的读取唤醒间隔
const defaultPollInterval = 100 * time.Millisecond

// portHandle 底层驱动句柄，测试中可替换为模拟实现
type portHandle interface {
	SetMode(mode *gobug.Mode) error
	SetReadTimeout(t time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	ResetInputBuffer() error
	Close() error
}

// openPort 打开底层串口，测试中可替换
var openPort = func(path string, mode *gobug.Mode) (portHandle, error) {
	return gobug.Open(path, mode)
}

// Port 串口连接。读路径（Read/ReadLine）串行化，写路径独立，
// 可在监听器占用读路径时并发写入。
type Port struct {
	path string
	mode *gobug.Mode

	mu      sync.Mutex // 保护读路径、行缓冲与参数调整
	wmu     sync.Mutex // 写路径独立锁
	port    portHandle
	acc     *lineAccumulator
	timeout time.Duration // 读超时，0表示阻塞读取

	closed       atomic.Bool // 本地已关闭
	disconnected atomic.Bool // 设备断开，粘滞标记
	claimed      atomic.Bool // 读路径被监听器占用

	logger *zap.Logger
}

// Option Port的可选配置
type Option func(*Port)

// WithLogger 设置日志记录器，默认不输出
func WithLogger(l *zap.Logger) Option {
	return func(p *Port) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDataBits 设置数据位（默认8）
func WithDataBits(bits int) Option {
	return func(p *Port) { p.mode.DataBits = bits }
}

// WithParity 设置校验位（默认无校验）
func WithParity(parity Parity) Option {
	return func(p *Port) { p.mode.Parity = parity }
}

// WithStopBits 设置停止位（默认1位）
func WithStopBits(sb StopBits) Option {
	return func(p *Port) { p.mode.StopBits = sb }
}

// Open 打开串口。默认8N1、阻塞读取，可用SetTimeout调整读超时。
// 路径不存在或无法打开时返回KindIO类错误。
func Open(path string, baud int, opts ...Option) (*Port, error) {
	p := &Port{
		path: path,
		mode: &gobug.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   gobug.NoParity,
			StopBits: gobug.OneStopBit,
		},
		acc:    newLineAccumulator(MaxBufferSize),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	port, err := openPort(path, p.mode)
	if err != nil {
		return nil, wrapErr(err, "open", path)
	}
	p.port = port

	p.logger.Info("串口已打开",
		zap.String("path", path),
		zap.Int("baud", p.mode.BaudRate))
	return p, nil
}

// Path 返回设备路径
func (p *Port) Path() string {
	return p.path
}

// SetTimeout 设置读超时；0恢复为阻塞读取。
// 对后续所有读取生效，包括监听器的读取循环。
// 若读取正在进行，调用会等到本次读取结束后生效。
func (p *Port) SetTimeout(d time.Duration) error {
	if d < 0 {
		return newErr(KindIO, "set_timeout", p.path, fmt.Sprintf("negative timeout: %v", d))
	}
	if err := p.gate("set_timeout"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.timeout
	p.timeout = d
	if err := p.applyReadTimeoutLocked(); err != nil {
		p.timeout = prev
		return p.fail("set_timeout", err)
	}
	return nil
}

// Timeout 返回当前读超时
func (p *Port) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// applyReadTimeoutLocked 把读超时下发到驱动。
// 监听器占用读路径且用户未设置超时时，使用固定轮询间隔保证停止信号能被观察到。
func (p *Port) applyReadTimeoutLocked() error {
	d := p.timeout
	if d == 0 && p.claimed.Load() {
		d = defaultPollInterval
	}
	if d == 0 {
		return p.port.SetReadTimeout(gobug.NoTimeout)
	}
	return p.port.SetReadTimeout(d)
}

// Read 读取原始字节。返回本次调用读到的字节数；
// 行缓冲中已有数据时优先消费，保证字节不乱序。
// 设置了读超时且无数据到达时返回KindTimeout类错误。
func (p *Port) Read(buf []byte) (int, error) {
	if err := p.readGate("read"); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.acc.drainInto(buf); n > 0 {
		return n, nil
	}
	for {
		n, err := p.port.Read(buf)
		if err != nil {
			return n, p.fail("read", err)
		}
		if n > 0 {
			return n, nil
		}
		// 驱动超时返回(0, nil)
		if p.timeout > 0 {
			return 0, newErr(KindTimeout, "read", p.path, "")
		}
	}
}

// ReadLine 读取下一条完整行，包含行尾的换行符。
// 返回的字节数只统计本次调用从设备读到的字节；
// 行已在缓冲中时字节数为0。超时返回KindTimeout类错误，
// 已读到的部分内容保留在缓冲中供后续调用继续拼接。
func (p *Port) ReadLine() (string, int, error) {
	if err := p.readGate("read_line"); err != nil {
		return "", 0, err
	}
	return p.readLine()
}

// readLine 不检查占用标记的行读取，监听器内部使用
func (p *Port) readLine() (string, int, error) {
	if err := p.gate("read_line"); err != nil {
		return "", 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	buf := make([]byte, 1024)
	for {
		if line, ok := p.acc.nextLine(); ok {
			return line, total, nil
		}
		n, err := p.port.Read(buf)
		if n > 0 {
			total += n
			if !p.acc.feed(buf[:n]) {
				return "", total, newErr(KindIO, "read_line", p.path, "line too long")
			}
		}
		if err != nil {
			return "", total, p.fail("read_line", err)
		}
		if n == 0 && (p.timeout > 0 || p.claimed.Load()) {
			return "", total, newErr(KindTimeout, "read_line", p.path, "")
		}
	}
}

// Write 写入字节，循环直至全部写出。监听器占用读路径时仍可写入。
func (p *Port) Write(buf []byte) (int, error) {
	if err := p.gate("write"); err != nil {
		return 0, err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := p.port.Write(buf[written:])
		written += n
		if err != nil {
			return written, p.fail("write", err)
		}
		if n == 0 {
			return written, newErr(KindIO, "write", p.path, "write made no progress")
		}
	}
	return written, nil
}

// WriteString 写入字符串，写满为止
func (p *Port) WriteString(s string) error {
	_, err := p.Write([]byte(s))
	return err
}

// Drain 等待输出缓冲全部写出到设备
func (p *Port) Drain() error {
	if err := p.gate("drain"); err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.port.Drain(); err != nil {
		return p.fail("drain", err)
	}
	return nil
}

// ResetInputBuffer 丢弃尚未读取的输入数据，包括行缓冲中的内容
func (p *Port) ResetInputBuffer() error {
	if err := p.readGate("reset_input_buffer"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acc.reset()
	if err := p.port.ResetInputBuffer(); err != nil {
		return p.fail("reset_input_buffer", err)
	}
	return nil
}

// SetBaudRate 调整波特率
func (p *Port) SetBaudRate(baud int) error {
	return p.reconfigure("set_baud_rate", func(m *gobug.Mode) { m.BaudRate = baud })
}

// SetDataBits 调整数据位，仅支持5-8
func (p *Port) SetDataBits(bits int) error {
	if bits < 5 || bits > 8 {
		return newErr(KindIO, "set_data_bits", p.path, fmt.Sprintf("invalid data bits: %d", bits))
	}
	return p.reconfigure("set_data_bits", func(m *gobug.Mode) { m.DataBits = bits })
}

// SetParity 调整校验位
func (p *Port) SetParity(parity Parity) error {
	return p.reconfigure("set_parity", func(m *gobug.Mode) { m.Parity = parity })
}

// SetStopBits 调整停止位
func (p *Port) SetStopBits(sb StopBits) error {
	return p.reconfigure("set_stop_bits", func(m *gobug.Mode) { m.StopBits = sb })
}

// reconfigure 变更串口参数并下发驱动，失败时保持原参数
func (p *Port) reconfigure(op string, change func(*gobug.Mode)) error {
	if err := p.gate(op); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := *p.mode
	change(&next)
	if err := p.port.SetMode(&next); err != nil {
		return p.fail(op, err)
	}
	*p.mode = next
	return nil
}

// Close 关闭串口，可重复调用。
// 正在阻塞的读取会被驱动解除阻塞。关闭后的操作返回KindIO类错误。
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.port.Close()
	p.logger.Info("串口已关闭", zap.String("path", p.path))
	if err != nil {
		return wrapErr(err, "close", p.path)
	}
	return nil
}

// gate 检查端口是否仍可操作
func (p *Port) gate(op string) error {
	if p.disconnected.Load() {
		return newErr(KindDisconnected, op, p.path, "")
	}
	if p.closed.Load() {
		return newErr(KindIO, op, p.path, "port closed")
	}
	return nil
}

// readGate 公共读路径检查：监听器占用期间拒绝直接读取
func (p *Port) readGate(op string) error {
	if err := p.gate(op); err != nil {
		return err
	}
	if p.claimed.Load() {
		return newErr(KindIO, op, p.path, "read path claimed by listener")
	}
	return nil
}

// fail 包装驱动错误；断开类错误置粘滞标记，之后所有操作直接失败。
// 本地Close中断的读取不算设备断开。
func (p *Port) fail(op string, err error) *Error {
	se := wrapErr(err, op, p.path)
	if se.Kind == KindDisconnected {
		if p.closed.Load() {
			return newErr(KindIO, op, p.path, "port closed")
		}
		if p.disconnected.CompareAndSwap(false, true) {
			p.logger.Warn("串口设备断开",
				zap.String("path", p.path),
				zap.Error(err))
		}
	}
	return se
}

// claimReadPath 将读路径交给监听器独占
func (p *Port) claimReadPath() error {
	if err := p.gate("claim"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.claimed.CompareAndSwap(false, true) {
		return newErr(KindIO, "claim", p.path, "read path already claimed")
	}
	if err := p.applyReadTimeoutLocked(); err != nil {
		p.claimed.Store(false)
		return p.fail("claim", err)
	}
	return nil
}

// releaseReadPath 归还读路径并恢复用户设置的读超时
func (p *Port) releaseReadPath() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed.CompareAndSwap(true, false) {
		if !p.closed.Load() && !p.disconnected.Load() {
			_ = p.applyReadTimeoutLocked()
		}
	}
}
