package serial

// LineHandler 行回调。监听器每收到一条完整行（包含换行符）调用一次。
// line切片仅在回调执行期间有效，需要保留内容时必须拷贝。
type LineHandler func(line []byte)

// callbackRegistry 回调注册表：构建后不可变，按注册顺序依次调用
type callbackRegistry struct {
	handlers []LineHandler
}

// dispatch 按注册顺序同步调用全部回调
func (r *callbackRegistry) dispatch(line []byte) {
	for _, h := range r.handlers {
		h(line)
	}
}

// size 返回已注册的回调数量
func (r *callbackRegistry) size() int {
	return len(r.handlers)
}
