package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/agentxen/api/schemas"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupBus(t *testing.T, bufferSize int) *Bus {
	t.Helper()
	b := New(zaptest.NewLogger(t), bufferSize)
	t.Cleanup(b.Shutdown)
	return b
}

func receive(t *testing.T, ch <-chan schemas.SurfaceMessage) schemas.SurfaceMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
		return schemas.SurfaceMessage{}
	}
}

func TestBus_PublishWithoutSubscribersIsNoop(t *testing.T) {
	b := setupBus(t, 1)
	assert.NotPanics(t, func() {
		b.Publish(schemas.SurfaceMessage{Type: schemas.SurfaceAgentConnected})
	})
	assert.Equal(t, 0, b.Subscribers())
}

func TestBus_FanOut(t *testing.T) {
	b := setupBus(t, 4)
	first, unsubFirst := b.Subscribe()
	defer unsubFirst()
	second, unsubSecond := b.Subscribe()
	defer unsubSecond()

	msg := schemas.SurfaceMessage{
		Type: schemas.SurfaceAgentResponse,
		Data: &schemas.AgentMessage{Type: schemas.AgentStatus, Message: "Thinking..."},
	}
	b.Publish(msg)

	assert.Equal(t, msg, receive(t, first))
	assert.Equal(t, msg, receive(t, second))
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := setupBus(t, 1)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(schemas.SurfaceMessage{Type: schemas.SurfaceAgentConnected})
		b.Publish(schemas.SurfaceMessage{Type: schemas.SurfaceAgentDisconnected})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, schemas.SurfaceAgentConnected, receive(t, ch).Type)
	select {
	case msg := <-ch:
		t.Fatalf("unexpected second message %+v", msg)
	default:
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := setupBus(t, 1)
	ch, unsubscribe := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())
}

func TestBus_Shutdown(t *testing.T) {
	b := New(zaptest.NewLogger(t), 1)
	ch, unsubscribe := b.Subscribe()

	b.Shutdown()
	_, ok := <-ch
	assert.False(t, ok)

	// Safe after shutdown.
	unsubscribe()
	b.Publish(schemas.SurfaceMessage{Type: schemas.SurfaceAgentConnected})
	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	b.Shutdown()
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := setupBus(t, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, unsubscribe := b.Subscribe()
			defer unsubscribe()
			select {
			case <-ch:
			case <-time.After(10 * time.Millisecond):
			}
		}()
		go func() {
			defer wg.Done()
			b.Publish(schemas.SurfaceMessage{Type: schemas.SurfaceAgentResponse})
		}()
	}
	wg.Wait()
}
