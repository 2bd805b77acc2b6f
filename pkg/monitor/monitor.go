package monitor

import "companion/pkg/api"

// Monitor 介面定義了監控器的行為
type Monitor interface {
	// Start 啟動監控器
	Start() error

	// Stop 停止監控器
	Stop() error

	// OnEvent 接收並顯示一個對話事件
	OnEvent(ev api.Event)
}

// Attach subscribes m to conv and returns the unsubscribe function.
func Attach(conv api.Conversation, m Monitor) func() {
	return conv.Subscribe(m.OnEvent)
}
