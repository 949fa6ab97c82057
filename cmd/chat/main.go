package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/wfunc/serialx/pkg/serial"
)

// PTY回路聊天演示：用伪终端对模拟一对互联的串口设备。
// 本端通过serialx读写从端，对端goroutine在主端上把收到的
// 每一行加上前缀回发，后台监听器负责打印对端的回复。

func main() {
	// 创建伪终端对，从端路径充当串口设备
	master, slave, err := pty.Open()
	if err != nil {
		fmt.Printf("创建伪终端对失败: %v\n", err)
		os.Exit(1)
	}
	defer master.Close()
	defer slave.Close()

	fmt.Println("=== 串口聊天演示 ===")
	fmt.Printf("设备: %s\n", slave.Name())

	// 打开串口端
	port, err := serial.Open(slave.Name(), 115200)
	if err != nil {
		fmt.Printf("打开串口失败: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	if err := port.SetTimeout(2500 * time.Millisecond); err != nil {
		fmt.Printf("设置读超时失败: %v\n", err)
		os.Exit(1)
	}

	// 对端：在主端循环应答，收到一行就回发一行
	go runPeer(master)

	// 问候往返：直接写一行、同步读回应答
	if err := port.WriteString("Hello From serialx!\n"); err != nil {
		fmt.Printf("写入失败: %v\n", err)
		os.Exit(1)
	}
	if err := port.Drain(); err != nil {
		fmt.Printf("等待写出失败: %v\n", err)
		os.Exit(1)
	}

	line, n, err := port.ReadLine()
	if err != nil {
		fmt.Printf("读取失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("这条消息共 %d 字节\n", n)
	fmt.Printf("这条消息是 %q\n", line)

	// 进入监听模式：后台循环接收对端行并打印
	builder, err := serial.NewListenerBuilder(port)
	if err != nil {
		fmt.Printf("创建监听构建器失败: %v\n", err)
		os.Exit(1)
	}
	if err := builder.AddReadCallback(func(line []byte) {
		fmt.Printf("\r<< %s> ", string(line))
	}); err != nil {
		fmt.Printf("注册回调失败: %v\n", err)
		os.Exit(1)
	}
	listener, err := builder.Build()
	if err != nil {
		fmt.Printf("构建监听器失败: %v\n", err)
		os.Exit(1)
	}
	if err := listener.Listen(); err != nil {
		fmt.Printf("启动监听失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n输入内容后回车发送，输入 'quit' 或 Ctrl-D 退出")

	// 监听器占用读路径后，本端仍可自由写入
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			break
		}

		if err := port.WriteString(text + "\n"); err != nil {
			fmt.Printf("发送失败: %v\n", err)
			break
		}
	}

	fmt.Println("正在退出...")

	// Stop返回后不会再有回调执行
	if err := listener.Stop(); err != nil {
		fmt.Printf("监听器停止原因: %v\n", err)
	}
	fmt.Println("再见")
}

// runPeer 模拟对端设备：把主端收到的每一行加上前缀回发
func runPeer(master *os.File) {
	reader := bufio.NewReader(master)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		reply := "peer: " + line
		if _, err := master.WriteString(reply); err != nil {
			return
		}
	}
}
