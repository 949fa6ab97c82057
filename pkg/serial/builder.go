package serial

import "sync"

// BuilderHandle 构建器句柄：不透明的整数标识，
// 可跨goroutine传递，通过包级AddReadCallback定位构建器。
// 零值无效。
type BuilderHandle uint64

// 句柄表：句柄到构建器的映射，Build或Release后移除
var (
	handleMu    sync.Mutex
	handleSeq   BuilderHandle
	handleTable = make(map[BuilderHandle]*ListenerBuilder)
)

// registerBuilder 登记构建器并分配句柄
func registerBuilder(b *ListenerBuilder) BuilderHandle {
	handleMu.Lock()
	defer handleMu.Unlock()
	handleSeq++
	handleTable[handleSeq] = b
	return handleSeq
}

// lookupBuilder 按句柄查找构建器
func lookupBuilder(h BuilderHandle) *ListenerBuilder {
	handleMu.Lock()
	defer handleMu.Unlock()
	return handleTable[h]
}

// unregisterBuilder 移除句柄
func unregisterBuilder(h BuilderHandle) {
	handleMu.Lock()
	defer handleMu.Unlock()
	delete(handleTable, h)
}

// ListenerBuilder 监听器构建器。创建时独占端口读路径，
// 收集行回调后通过Build生成Listener。Build消耗构建器，不可复用。
type ListenerBuilder struct {
	mu       sync.Mutex
	port     *Port
	handlers []LineHandler
	handle   BuilderHandle // 0表示尚未登记
	built    bool
	released bool
}

// NewListenerBuilder 创建构建器并占用p的读路径。
// 读路径已被占用或端口不可用时返回错误。
func NewListenerBuilder(p *Port) (*ListenerBuilder, error) {
	if p == nil {
		return nil, newErr(KindIO, "new_listener_builder", "", "nil port")
	}
	if err := p.claimReadPath(); err != nil {
		return nil, err
	}
	return &ListenerBuilder{port: p}, nil
}

// AddReadCallback 追加一个行回调，回调按注册顺序被调用
func (b *ListenerBuilder) AddReadCallback(fn LineHandler) error {
	if fn == nil {
		return newErr(KindIO, "add_read_callback", b.port.path, "nil callback")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built || b.released {
		return newErr(KindIO, "add_read_callback", b.port.path, "builder already used")
	}
	b.handlers = append(b.handlers, fn)
	return nil
}

// Handle 返回构建器句柄。句柄在Build或Release后失效。
func (b *ListenerBuilder) Handle() BuilderHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == 0 && !b.built && !b.released {
		b.handle = registerBuilder(b)
	}
	return b.handle
}

// AddReadCallback 通过句柄向构建器追加回调
func AddReadCallback(h BuilderHandle, fn LineHandler) error {
	b := lookupBuilder(h)
	if b == nil {
		return newErr(KindIO, "add_read_callback", "", "unknown builder handle")
	}
	return b.AddReadCallback(fn)
}

// Build 构建Listener并消耗构建器。
// 至少需要注册一个回调；未注册回调时报错且构建器仍可继续使用。
// 重复Build返回错误。
func (b *ListenerBuilder) Build() (*Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built || b.released {
		return nil, newErr(KindIO, "build", b.port.path, "builder already used")
	}
	if len(b.handlers) == 0 {
		return nil, newErr(KindIO, "build", b.port.path, "no read callback registered")
	}
	b.built = true
	if b.handle != 0 {
		unregisterBuilder(b.handle)
	}
	reg := &callbackRegistry{handlers: append([]LineHandler(nil), b.handlers...)}
	return newListener(b.port, reg), nil
}

// Release 放弃构建器并归还端口读路径。Build成功后无需调用。
func (b *ListenerBuilder) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built || b.released {
		return
	}
	b.released = true
	if b.handle != 0 {
		unregisterBuilder(b.handle)
	}
	b.port.releaseReadPath()
}
