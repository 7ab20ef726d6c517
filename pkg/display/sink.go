package display

import (
	"fmt"
	"io"
	"sync"

	log "github.com/junbin-yang/aiservice-go/pkg/utils/logger"
)

// Sink 显示层，接收 (role, text)，不返回结果
// 实现不应阻塞调用方
type Sink interface {
	Notify(role, text string)
}

// FuncSink 函数适配器
type FuncSink func(role, text string)

func (f FuncSink) Notify(role, text string) { f(role, text) }

// LogSink 把消息写入日志
type LogSink struct{}

func (LogSink) Notify(role, text string) {
	log.Infof("[DISPLAY] %s: %s", role, text)
}

// WriterSink 把消息按行写入io.Writer（终端）
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink 创建终端显示
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Notify(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "[%s] %s\n", role, text); err != nil {
		log.Warnf("[DISPLAY] 写入失败: %v", err)
	}
}

// Multi 把同一条消息分发给多个显示层
type Multi []Sink

func (m Multi) Notify(role, text string) {
	for _, s := range m {
		s.Notify(role, text)
	}
}
