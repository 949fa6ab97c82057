package serial

import "bytes"

// MaxBufferSize 行缓冲容量上限，超过即视为异常数据流
const MaxBufferSize = 64 * 1024

// lineAccumulator 行累积器：在多次读取之间保留未完成的行内容
type lineAccumulator struct {
	buf bytes.Buffer
	max int
}

// newLineAccumulator 创建行累积器
func newLineAccumulator(max int) *lineAccumulator {
	if max <= 0 {
		max = MaxBufferSize
	}
	return &lineAccumulator{max: max}
}

// feed 追加字节；超出容量上限时清空缓冲并返回false
func (a *lineAccumulator) feed(p []byte) bool {
	if a.buf.Len()+len(p) > a.max {
		a.buf.Reset()
		return false
	}
	a.buf.Write(p)
	return true
}

// nextLine 取出下一条完整行（包含换行符）；没有完整行时返回false
func (a *lineAccumulator) nextLine() (string, bool) {
	b := a.buf.Bytes()
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(b[:idx+1])
	a.buf.Next(idx + 1)
	return line, true
}

// drainInto 将缓冲数据拷贝到p并消费，返回拷贝的字节数
func (a *lineAccumulator) drainInto(p []byte) int {
	n, _ := a.buf.Read(p)
	return n
}

// pending 返回缓冲中未消费的字节数
func (a *lineAccumulator) pending() int {
	return a.buf.Len()
}

// reset 清空缓冲
func (a *lineAccumulator) reset() {
	a.buf.Reset()
}
