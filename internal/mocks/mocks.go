// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/xkilldash9x/agentxen/api/schemas"
	"github.com/xkilldash9x/agentxen/internal/channel"
)

// -- Tab Service Mock --

// MockTabService mocks the router.TabService interface.
type MockTabService struct {
	mock.Mock
}

func (m *MockTabService) QueryActiveTab(ctx context.Context) (*schemas.Tab, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Tab), args.Error(1)
}

func (m *MockTabService) UpdateTab(ctx context.Context, id schemas.TabID, url string) error {
	return m.Called(ctx, id, url).Error(0)
}

func (m *MockTabService) SendToTab(ctx context.Context, id schemas.TabID, msg schemas.TabMessage) (schemas.TabResponse, error) {
	args := m.Called(ctx, id, msg)
	return args.Get(0).(schemas.TabResponse), args.Error(1)
}

// -- Agent Channel Mock --

// MockChannel mocks the router.Channel interface. Listener registration is
// recorded rather than expected, and the Fire helpers replay events to the
// registered listeners.
type MockChannel struct {
	mock.Mock

	mu             sync.Mutex
	onMessage      []channel.MessageHandler
	onConnected    []func()
	onDisconnected []func()
}

func (m *MockChannel) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockChannel) Send(ctx context.Context, msg any) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockChannel) OnMessage(h channel.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = append(m.onMessage, h)
}

func (m *MockChannel) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

func (m *MockChannel) OnDisconnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = append(m.onDisconnected, fn)
}

// Deliver hands msg to every message listener, as the read loop would.
func (m *MockChannel) Deliver(ctx context.Context, msg schemas.AgentMessage) {
	m.mu.Lock()
	handlers := append([]channel.MessageHandler(nil), m.onMessage...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ctx, msg)
	}
}

// FireConnected notifies the connected listeners.
func (m *MockChannel) FireConnected() {
	m.mu.Lock()
	fns := append([]func(){}, m.onConnected...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// FireDisconnected notifies the disconnected listeners.
func (m *MockChannel) FireDisconnected() {
	m.mu.Lock()
	fns := append([]func(){}, m.onDisconnected...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// -- Publisher Mock --

// MockPublisher mocks the router.Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(msg schemas.SurfaceMessage) {
	m.Called(msg)
}

// -- Command Router Mock --

// MockCommandRouter mocks the surface.CommandRouter interface.
type MockCommandRouter struct {
	mock.Mock
}

func (m *MockCommandRouter) Submit(ctx context.Context, cmd schemas.Command) schemas.SubmitResult {
	return m.Called(ctx, cmd).Get(0).(schemas.SubmitResult)
}

func (m *MockCommandRouter) Status() bool {
	return m.Called().Bool(0)
}

func (m *MockCommandRouter) SetAgentMode(ctx context.Context, enabled bool) error {
	return m.Called(ctx, enabled).Error(0)
}
