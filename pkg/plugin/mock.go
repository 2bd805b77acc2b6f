package plugin

import (
	"context"
	"sync"

	"companion/pkg/api"
)

// Mock is a configurable in-memory plugin for tests. It is online after a
// successful Online call and records every call it receives.
type Mock struct {
	mu sync.Mutex

	state    api.PluginState
	priority int

	// Configurable behavior
	OnlineFunc   func(ctx context.Context, opts api.Options) error
	OfflineFunc  func(ctx context.Context) error
	RestartFunc  func(ctx context.Context, opts api.Options) error
	StateFunc    func(ctx context.Context) (api.PluginState, error)
	StrategyFunc func(ctx context.Context) error
	SendFunc     func(ctx context.Context, data any) (any, error)

	// Captured calls for assertions
	OnlineCalls   int
	OfflineCalls  int
	RestartCalls  int
	StrategyCalls int
	Sent          []any
}

// NewMock creates an offline mock with the given priority.
func NewMock(priority int) *Mock {
	return &Mock{state: api.PluginOffline, priority: priority}
}

// NewOnlineMock creates a mock that already reports online.
func NewOnlineMock() *Mock {
	return &Mock{state: api.PluginOnline}
}

func (m *Mock) Priority() int { return m.priority }

func (m *Mock) UpdateStrategy(ctx context.Context) error {
	m.mu.Lock()
	m.StrategyCalls++
	m.mu.Unlock()
	if m.StrategyFunc != nil {
		return m.StrategyFunc(ctx)
	}
	return nil
}

func (m *Mock) Online(ctx context.Context, opts api.Options) error {
	m.mu.Lock()
	m.OnlineCalls++
	m.mu.Unlock()
	if m.OnlineFunc != nil {
		if err := m.OnlineFunc(ctx, opts); err != nil {
			m.SetState(api.PluginError)
			return err
		}
	}
	m.SetState(api.PluginOnline)
	return nil
}

func (m *Mock) Offline(ctx context.Context) error {
	m.mu.Lock()
	m.OfflineCalls++
	m.mu.Unlock()
	if m.OfflineFunc != nil {
		if err := m.OfflineFunc(ctx); err != nil {
			return err
		}
	}
	m.SetState(api.PluginOffline)
	return nil
}

func (m *Mock) Restart(ctx context.Context, opts api.Options) error {
	m.mu.Lock()
	m.RestartCalls++
	m.mu.Unlock()
	if m.RestartFunc != nil {
		return m.RestartFunc(ctx, opts)
	}
	m.SetState(api.PluginOnline)
	return nil
}

func (m *Mock) State(ctx context.Context) (api.PluginState, error) {
	if m.StateFunc != nil {
		return m.StateFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// SetState forces the reported state.
func (m *Mock) SetState(s api.PluginState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Send implements api.Sender.
func (m *Mock) Send(ctx context.Context, data any) (any, error) {
	m.mu.Lock()
	m.Sent = append(m.Sent, data)
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, data)
	}
	return nil, nil
}

// SentCount returns how many payloads were delivered.
func (m *Mock) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// SentAt returns the i-th delivered payload.
func (m *Mock) SentAt(i int) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Sent[i]
}

// MockTool is a Mock that also describes itself as a tool.
type MockTool struct {
	*Mock
	Description api.ToolDescription
}

// NewMockTool creates an online tool mock answering through send.
func NewMockTool(name string, send func(ctx context.Context, data any) (any, error)) *MockTool {
	m := NewOnlineMock()
	m.SendFunc = send
	return &MockTool{
		Mock:        m,
		Description: api.ToolDescription{Name: name, Description: "mock tool " + name},
	}
}

func (t *MockTool) Describe() api.ToolDescription { return t.Description }
