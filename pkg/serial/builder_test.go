package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewListenerBuilder_独占读路径(t *testing.T) {
	fp := newFakePort()
	p := newTestPort(t, fp)
	require.NoError(t, p.SetTimeout(20*time.Millisecond))

	b, err := NewListenerBuilder(p)
	require.NoError(t, err)

	// 构建器存在期间，直接读取被拒绝
	_, _, err = p.ReadLine()
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))
	assert.Contains(t, err.Error(), "claimed")

	_, err = p.Read(make([]byte, 8))
	assert.Equal(t, KindIO, KindOf(err))

	// 写入不受影响
	require.NoError(t, p.WriteString("ping\n"))
	assert.Equal(t, "ping\n", fp.writtenString())

	// 同一端口不允许第二个构建器
	_, err = NewListenerBuilder(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already claimed")

	// 放弃构建器后读路径归还
	b.Release()
	fp.feed([]byte("back\n"))
	line, _, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "back\n", line)
}

func TestNewListenerBuilder_无效端口(t *testing.T) {
	_, err := NewListenerBuilder(nil)
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))

	// 关闭后的端口不能再建监听
	fp := newFakePort()
	p := newTestPort(t, fp)
	require.NoError(t, p.Close())
	_, err = NewListenerBuilder(p)
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))
}

func TestListenerBuilder_AddReadCallback(t *testing.T) {
	fp := newFakePort()
	p := newTestPort(t, fp)

	b, err := NewListenerBuilder(p)
	require.NoError(t, err)
	defer b.Release()

	require.NoError(t, b.AddReadCallback(func(line []byte) {}))
	require.NoError(t, b.AddReadCallback(func(line []byte) {}))

	// nil回调被拒绝
	err = b.AddReadCallback(nil)
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))
}

func TestListenerBuilder_Build(t *testing.T) {
	fp := newFakePort()
	p := newTestPort(t, fp)

	b, err := NewListenerBuilder(p)
	require.NoError(t, err)

	// 没有注册回调时构建失败，但构建器仍可继续使用
	_, err = b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no read callback")

	require.NoError(t, b.AddReadCallback(func(line []byte) {}))
	l, err := b.Build()
	require.NoError(t, err)
	require.NotNil(t, l)
	defer l.Stop()

	// 构建器已被消耗：注册和再次构建都失败
	err = b.AddReadCallback(func(line []byte) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")

	_, err = b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestListenerBuilder_Handle(t *testing.T) {
	fp := newFakePort()
	p := newTestPort(t, fp)

	b, err := NewListenerBuilder(p)
	require.NoError(t, err)

	h := b.Handle()
	require.NotZero(t, h)
	// 句柄稳定
	assert.Equal(t, h, b.Handle())

	// 跨goroutine通过句柄注册回调
	done := make(chan error, 1)
	go func() {
		done <- AddReadCallback(h, func(line []byte) {})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("跨goroutine注册回调超时")
	}

	l, err := b.Build()
	require.NoError(t, err)
	defer l.Stop()

	// Build之后句柄失效
	err = AddReadCallback(h, func(line []byte) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown builder handle")

	// 未知句柄
	err = AddReadCallback(BuilderHandle(0), func(line []byte) {})
	require.Error(t, err)
}

func TestListenerBuilder_Release后句柄失效(t *testing.T) {
	fp := newFakePort()
	p := newTestPort(t, fp)

	b, err := NewListenerBuilder(p)
	require.NoError(t, err)

	h := b.Handle()
	require.NotZero(t, h)

	b.Release()
	// 重复Release无害
	b.Release()

	err = AddReadCallback(h, func(line []byte) {})
	require.Error(t, err)

	err = b.AddReadCallback(func(line []byte) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}
