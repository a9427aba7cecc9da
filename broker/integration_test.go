//go:build integration

package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"-js"},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	// Wait for JetStream to be fully ready
	time.Sleep(200 * time.Millisecond)

	return container, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_PublishAndConsume(t *testing.T) {
	ctx := context.Background()
	container, url := startNATSContainer(ctx, t)
	defer container.Terminate(ctx)

	g, err := NewGateway(url)
	require.NoError(t, err)
	defer g.Close(ctx)

	require.NoError(t, g.Connect(ctx))
	require.NoError(t, g.EnsureStream(ctx))
	assert.True(t, g.IsHealthy())

	var mu sync.Mutex
	var received []Token
	done := make(chan struct{})

	err = g.ConsumeTokens(ctx, func(_ context.Context, token Token) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, token)
		if len(received) == 3 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, g.PublishToken(ctx, Token{
			BatchID: i, StepHash: uint32(i), StepName: fmt.Sprintf("step-%d", i),
		}))
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tokens not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	assert.Equal(t, int64(1), received[0].BatchID, "tokens arrive in publish order")
	assert.Equal(t, int64(3), received[2].BatchID)
}

func TestIntegration_FailedHandlerRedelivers(t *testing.T) {
	ctx := context.Background()
	container, url := startNATSContainer(ctx, t)
	defer container.Terminate(ctx)

	g, err := NewGateway(url, WithDurable("redelivery-test"))
	require.NoError(t, err)
	defer g.Close(ctx)

	require.NoError(t, g.Connect(ctx))
	require.NoError(t, g.EnsureStream(ctx))

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	err = g.ConsumeTokens(ctx, func(_ context.Context, _ Token) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient handler failure")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, g.PublishToken(ctx, Token{BatchID: 1, StepName: "Startup"}))

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("token was not redelivered until success")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts, "token redelivered until the handler succeeds")
}

func TestIntegration_ParkedTokensReplayAfterConnect(t *testing.T) {
	ctx := context.Background()
	container, url := startNATSContainer(ctx, t)
	defer container.Terminate(ctx)

	g, err := NewGateway(url)
	require.NoError(t, err)
	defer g.Close(ctx)

	// Publish before connecting: tokens park in the queue.
	require.NoError(t, g.PublishToken(ctx, Token{BatchID: 1, StepName: "Startup"}))
	require.NoError(t, g.PublishToken(ctx, Token{BatchID: 2, StepName: "Highway"}))
	assert.Equal(t, 2, g.PendingPublishes())

	require.NoError(t, g.Connect(ctx))
	require.NoError(t, g.EnsureStream(ctx))

	// EnsureStream replays the queue once the stream can accept publishes.
	assert.Eventually(t, func() bool {
		return g.PendingPublishes() == 0
	}, 5*time.Second, 50*time.Millisecond)
}
