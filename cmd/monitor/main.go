package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/serialx/internal/config"
	"github.com/wfunc/serialx/internal/logger"
	"github.com/wfunc/serialx/pkg/serial"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Monitor 串口行监控服务
type Monitor struct {
	cfg    *config.Config
	logger *zap.Logger

	port     *serial.Port
	listener *serial.Listener

	// 接收统计
	lineCount atomic.Uint64
	byteCount atomic.Uint64

	// 关闭控制
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	// 显示版本信息
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 显示帮助信息
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	// 打印启动信息
	printStartInfo(cfg)

	// 创建监控实例
	monitor := NewMonitor(cfg)

	// 启动监控
	if err := monitor.Start(); err != nil {
		logger.Fatal("监控启动失败", zap.Error(err))
	}

	// 等待退出信号或监听器自停
	monitor.WaitForShutdown()

	// 优雅关闭
	if err := monitor.Shutdown(); err != nil {
		logger.Error("监控关闭失败", zap.Error(err))
		logger.Cleanup()
		os.Exit(1)
	}

	logger.Info("监控已安全关闭")
	logger.Cleanup()
}

// NewMonitor 创建监控实例
func NewMonitor(cfg *config.Config) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 打开串口并启动监听
func (m *Monitor) Start() error {
	m.logger.Info("正在启动串口行监控...",
		zap.String("version", Version),
		zap.String("mode", m.cfg.App.Mode),
	)

	// 打开串口
	if err := m.openPort(); err != nil {
		return err
	}

	// 构建监听器并注册回调
	if err := m.startListener(); err != nil {
		_ = m.port.Close()
		return err
	}

	// 启动统计输出
	if m.cfg.Monitor.StatsInterval > 0 {
		m.wg.Add(1)
		go m.statsLoop()
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		m.logger.Info("配置已更新，正在应用...")
		m.reloadConfig(newCfg)
	})

	m.logger.Info("监控启动成功",
		zap.String("port", m.cfg.Serial.Port),
		zap.Int("baud", m.cfg.Serial.BaudRate),
		zap.Duration("read_timeout", m.cfg.Serial.ReadTimeout),
	)

	return nil
}

// openPort 按配置打开串口
func (m *Monitor) openPort() error {
	sc := &m.cfg.Serial

	// 解析校验位
	parity := serial.ParityNone
	switch sc.Parity {
	case "O", "odd":
		parity = serial.ParityOdd
	case "E", "even":
		parity = serial.ParityEven
	}

	// 解析停止位
	stopBits := serial.StopBitsOne
	if sc.StopBits == 2 {
		stopBits = serial.StopBitsTwo
	}

	port, err := serial.Open(sc.Port, sc.BaudRate,
		serial.WithLogger(logger.GetModuleLogger("serial")),
		serial.WithDataBits(sc.DataBits),
		serial.WithParity(parity),
		serial.WithStopBits(stopBits),
	)
	if err != nil {
		m.logger.Error("打开串口失败",
			zap.String("port", sc.Port),
			zap.Error(err))
		return err
	}

	// 读超时决定监听循环对停止信号的响应粒度
	if sc.ReadTimeout > 0 {
		if err := port.SetTimeout(sc.ReadTimeout); err != nil {
			_ = port.Close()
			return err
		}
	}

	m.port = port
	return nil
}

// startListener 注册回调并启动后台监听循环
func (m *Monitor) startListener() error {
	builder, err := serial.NewListenerBuilder(m.port)
	if err != nil {
		return err
	}

	// 回调一：结构化记录每条完整行
	lineLogger := logger.GetModuleLogger("serial")
	if err := builder.AddReadCallback(func(line []byte) {
		lineLogger.Info("收到行",
			zap.String("line", strings.TrimRight(string(line), "\r\n")),
			zap.Int("bytes", len(line)))
	}); err != nil {
		builder.Release()
		return err
	}

	// 回调二：累计接收统计
	if err := builder.AddReadCallback(func(line []byte) {
		m.lineCount.Inc()
		m.byteCount.Add(uint64(len(line)))
	}); err != nil {
		builder.Release()
		return err
	}

	// 回调三：按配置把行回写到串口（监听期间写入不受限）
	if m.cfg.Monitor.EchoLines {
		if err := builder.AddReadCallback(func(line []byte) {
			if err := m.port.WriteString(string(line)); err != nil {
				m.logger.Warn("回写失败", zap.Error(err))
			}
		}); err != nil {
			builder.Release()
			return err
		}
	}

	listener, err := builder.Build()
	if err != nil {
		builder.Release()
		return err
	}
	if err := listener.Listen(); err != nil {
		return err
	}

	m.listener = listener
	m.logger.Info("监听器已启动", zap.String("listener_id", listener.ID()))
	return nil
}

// statsLoop 周期输出接收统计
func (m *Monitor) statsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Monitor.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.logger.Info("接收统计",
				zap.Uint64("lines", m.lineCount.Load()),
				zap.Uint64("bytes", m.byteCount.Load()),
				zap.String("listener_state", m.listener.State().String()),
			)
		case <-m.ctx.Done():
			return
		}
	}
}

// WaitForShutdown 等待退出信号或监听器自行停止
func (m *Monitor) WaitForShutdown() {
	// 创建信号通道
	sigCh := make(chan os.Signal, 1)

	// 监听系统信号
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	select {
	case sig := <-sigCh:
		m.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-m.listener.Done():
		// 设备断开等致命错误会让监听器自行停止
		m.logger.Warn("监听器已自行停止", zap.Error(m.listener.Err()))
	}
}

// Shutdown 优雅关闭监控
func (m *Monitor) Shutdown() error {
	m.logger.Info("正在优雅关闭监控...")

	// 创建超时上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.App.ShutdownTimeout)
	defer cancel()

	// 停止统计输出
	m.cancel()

	// 停止监听器：返回后不会再有任何回调执行
	stopDone := make(chan error, 1)
	go func() {
		stopDone <- m.listener.Stop()
	}()

	select {
	case cause := <-stopDone:
		if cause != nil {
			m.logger.Warn("监听器因错误停止", zap.Error(cause))
		}
	case <-shutdownCtx.Done():
		m.logger.Warn("停止监听器超时，强制退出")
		return fmt.Errorf("stop listener: %w", shutdownCtx.Err())
	}

	// 等待后台goroutine退出
	m.wg.Wait()

	// 释放串口
	if err := m.port.Close(); err != nil {
		if serial.KindOf(err) != serial.KindDisconnected {
			m.logger.Error("关闭串口失败", zap.Error(err))
		}
	}

	m.logger.Info("最终接收统计",
		zap.Uint64("lines", m.lineCount.Load()),
		zap.Uint64("bytes", m.byteCount.Load()),
	)

	// 同步日志
	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	return nil
}

// reloadConfig 应用新配置
func (m *Monitor) reloadConfig(newCfg *config.Config) {
	// 读超时可以热更新，端口和波特率变更需要重启
	if newCfg.Serial.ReadTimeout != m.cfg.Serial.ReadTimeout && newCfg.Serial.ReadTimeout > 0 {
		if err := m.port.SetTimeout(newCfg.Serial.ReadTimeout); err != nil {
			m.logger.Warn("更新读超时失败", zap.Error(err))
		} else {
			m.logger.Info("读超时已更新", zap.Duration("read_timeout", newCfg.Serial.ReadTimeout))
		}
	}
	m.cfg = newCfg

	m.logger.Info("配置重新加载完成")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("串口行监控\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("串口行监控")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  serialx-monitor [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  SERIALX_SERIAL_PORT       串口设备路径")
	fmt.Println("  SERIALX_SERIAL_BAUD_RATE  波特率")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  serialx-monitor -config=/path/to/config.yaml")
	fmt.Println("  serialx-monitor -version")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	banner := `
╔═══════════════════════════════════════════════════════════════╗
║                                                               ║
║     _____           _       _ __   __                        ║
║    /  ___|         (_)     | |\ \ / /                        ║
║    \ ` + "`" + `--.  ___ _ __ _  __ _| | \ V /                         ║
║     ` + "`" + `--. \/ _ \ '__| |/ _` + "`" + ` | | /   \                         ║
║    /\__/ /  __/ |  | | (_| | |/ /^\ \                        ║
║    \____/ \___|_|  |_|\__,_|_|\/   \/                        ║
║                                                               ║
║                     串口行监控服务                            ║
║                                                               ║
╚═══════════════════════════════════════════════════════════════╝
`
	fmt.Println(banner)
	fmt.Printf("版本: %s | 模式: %s | PID: %d\n", Version, cfg.App.Mode, os.Getpid())
	fmt.Printf("串口: %s @ %d\n", cfg.Serial.Port, cfg.Serial.BaudRate)
	fmt.Println("═══════════════════════════════════════════════════════════════")
}
