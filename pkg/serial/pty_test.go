//go:build !windows
// +build !windows

package serial

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPTYPort 创建伪终端对并用本库打开从端，
// 主端文件即是对端设备，用于真实链路上的端到端验证
func openPTYPort(t *testing.T) (*os.File, *Port) {
	t.Helper()

	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	p, err := Open(slave.Name(), 115200)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.SetTimeout(500*time.Millisecond))
	return master, p
}

// masterReadLine 在主端异步读一行
func masterReadLine(t *testing.T, master *os.File) <-chan string {
	t.Helper()
	out := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(master).ReadString('\n')
		if err != nil {
			return
		}
		out <- line
	}()
	return out
}

func TestPTY_往返回显(t *testing.T) {
	master, p := openPTYPort(t)

	// 对端写一行，本端同步读回
	_, err := master.Write([]byte("hello\n"))
	require.NoError(t, err)

	line, n, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
	assert.Equal(t, 6, n)

	// 本端写一行，对端应原样收到
	fromPort := masterReadLine(t, master)
	require.NoError(t, p.WriteString("pong\n"))

	select {
	case got := <-fromPort:
		assert.Equal(t, "pong\n", got)
	case <-time.After(time.Second):
		t.Fatal("等待对端接收超时")
	}
}

func TestPTY_分块写入重组(t *testing.T) {
	master, p := openPTYPort(t)

	// 对端把一行拆成多块发出，行边界由分隔符决定而非块边界
	go func() {
		master.Write([]byte("he"))
		time.Sleep(30 * time.Millisecond)
		master.Write([]byte("llo"))
		time.Sleep(30 * time.Millisecond)
		master.Write([]byte(" world\n"))
	}()

	line, _, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", line)
}

func TestPTY_超时保留部分行(t *testing.T) {
	master, p := openPTYPort(t)
	require.NoError(t, p.SetTimeout(100*time.Millisecond))

	// 没有分隔符，等满超时返回并报告本次读到的字节数
	_, err := master.Write([]byte("par"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	line, n, err := p.ReadLine()
	assert.Equal(t, "", line)
	assert.Equal(t, 3, n)
	assert.Equal(t, KindTimeout, KindOf(err))

	// 余下内容到达后继续拼接同一逻辑行
	_, err = master.Write([]byte("tial\n"))
	require.NoError(t, err)

	line, n, err = p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "partial\n", line)
	assert.Equal(t, 5, n)
}

func TestPTY_监听器按序派发(t *testing.T) {
	master, p := openPTYPort(t)

	// 两个回调按注册顺序执行，每条完整行各调用一轮
	var got []string
	lineDone := make(chan struct{}, 8)

	b, err := NewListenerBuilder(p)
	require.NoError(t, err)
	require.NoError(t, b.AddReadCallback(func(line []byte) {
		got = append(got, "A:"+string(line))
	}))
	require.NoError(t, b.AddReadCallback(func(line []byte) {
		got = append(got, "B:"+string(line))
		lineDone <- struct{}{}
	}))
	l, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Stop() })
	require.NoError(t, l.Listen())

	_, err = master.Write([]byte("one\ntwo\n"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-lineDone:
		case <-time.After(2 * time.Second):
			t.Fatal("等待行派发超时")
		}
	}

	require.NoError(t, l.Stop())
	assert.Equal(t, []string{"A:one\n", "B:one\n", "A:two\n", "B:two\n"}, got)
}

func TestPTY_Stop后不再派发(t *testing.T) {
	master, p := openPTYPort(t)
	require.NoError(t, p.SetTimeout(100*time.Millisecond))

	lines := make(chan string, 8)
	b, err := NewListenerBuilder(p)
	require.NoError(t, err)
	require.NoError(t, b.AddReadCallback(func(line []byte) { lines <- string(line) }))
	l, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, l.Listen())

	// 停止前的行全部送达
	_, err = master.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)
	for _, want := range []string{"first\n", "second\n"} {
		select {
		case got := <-lines:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("等待停止前的行超时")
		}
	}

	require.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.State())
	assert.Nil(t, l.Err())

	// Stop返回之后到达的数据不会再触发任何回调
	_, err = master.Write([]byte("third\n"))
	require.NoError(t, err)
	select {
	case got := <-lines:
		t.Fatalf("停止后仍收到回调: %q", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPTY_打开不存在的设备(t *testing.T) {
	p, err := Open("/dev/ttyXXXNOTEXIST", 9600)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Equal(t, KindIO, KindOf(err))
}

func TestPTY_对端关闭监听器自停(t *testing.T) {
	master, p := openPTYPort(t)

	lines := make(chan string, 8)
	b, err := NewListenerBuilder(p)
	require.NoError(t, err)
	require.NoError(t, b.AddReadCallback(func(line []byte) { lines <- string(line) }))
	l, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Stop() })
	require.NoError(t, l.Listen())

	_, err = master.Write([]byte("last words\n"))
	require.NoError(t, err)
	select {
	case got := <-lines:
		assert.Equal(t, "last words\n", got)
	case <-time.After(2 * time.Second):
		t.Fatal("等待断开前的行超时")
	}

	// 对端消失：监听器应自行进入终态并记录断开原因
	require.NoError(t, master.Close())

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("等待监听器自停超时")
	}
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, KindDisconnected, KindOf(l.Err()))

	// 之后不再有任何回调
	select {
	case got := <-lines:
		t.Fatalf("断开后仍收到回调: %q", got)
	case <-time.After(200 * time.Millisecond):
	}

	// 端口粘滞断开
	err = p.WriteString("x\n")
	assert.Equal(t, KindDisconnected, KindOf(err))
}

func TestPTY_监听期间写入(t *testing.T) {
	master, p := openPTYPort(t)

	b, err := NewListenerBuilder(p)
	require.NoError(t, err)
	require.NoError(t, b.AddReadCallback(func(line []byte) {}))
	l, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Stop() })
	require.NoError(t, l.Listen())

	// 读路径被监听器独占，但写入不受限
	fromPort := masterReadLine(t, master)
	require.NoError(t, p.WriteString("status query\n"))

	select {
	case got := <-fromPort:
		assert.Equal(t, "status query\n", got)
	case <-time.After(time.Second):
		t.Fatal("等待对端接收超时")
	}

	// 同一时刻直接读取仍被拒绝
	_, _, err = p.ReadLine()
	assert.Equal(t, KindIO, KindOf(err))
}
