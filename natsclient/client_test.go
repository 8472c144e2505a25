package natsclient

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/metric"
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/query"
	"github.com/c360/querystate/signal"
)

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithName("test"), WithRequestTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsConnected())
	assert.Equal(t, time.Second, c.requestTimeout)
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusClosed, "closed"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestClient_ConnectUnreachable(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond),
		WithConnectRetry(retry.Config{
			MaxAttempts:  2,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   1,
		}))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestClient_ClosedClientRejectsConnect(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusClosed, c.Status())
	require.NoError(t, c.Close(context.Background()), "second close is a no-op")

	err = c.Connect(context.Background())
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	_, err = c.Request(context.Background(), "todos.list", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, c.Publish(context.Background(), "todos.invalidate", nil), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(context.Background(), "todos.invalidate", func(context.Context, []byte) {}), ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_OnlineSource(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	om := signal.NewOnlineManager(signal.WithEventSource(c.OnlineSource()))
	assert.True(t, om.IsOnline(), "online until a source reports")

	unsubscribe := om.Subscribe(func(bool) {})
	assert.False(t, om.IsOnline(), "source reports the disconnected state on install")

	c.setStatus(StatusConnected)
	assert.True(t, om.IsOnline())

	c.handleDisconnect(nil, stderrors.New("io: read/write on closed pipe"))
	assert.Equal(t, StatusReconnecting, c.Status())
	assert.False(t, om.IsOnline())

	c.handleReconnect(nil)
	assert.True(t, om.IsOnline())

	unsubscribe()
	c.mu.RLock()
	assert.Empty(t, c.listeners, "cleanup removes the status listener")
	c.mu.RUnlock()
}

func TestClient_WaitForConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.WaitForConnection(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)

	done := make(chan error, 1)
	go func() { done <- c.WaitForConnection(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	c.handleReconnect(nil)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForConnection did not return")
	}
}

func TestClient_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)

	c.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.connected))
	c.setStatus(StatusReconnecting)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.connected))

	c.metrics.recordRequest("todos.list", nil, time.Millisecond)
	c.metrics.recordRequest("todos.list", stderrors.New("boom"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues("todos.list", "error")))

	_, err = NewClient("nats://localhost:4222", WithMetrics(registry))
	assert.Error(t, err, "metrics register once per registry")
}

func TestClassifyRequestError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		sentinel  error
		transient bool
	}{
		{"no responders", nats.ErrNoResponders, errors.ErrServiceUnavailable, true},
		{"timeout", nats.ErrTimeout, errors.ErrConnectionTimeout, true},
		{"deadline", context.DeadlineExceeded, errors.ErrConnectionTimeout, true},
		{"closed", nats.ErrConnectionClosed, errors.ErrConnectionLost, true},
		{"cancelled", context.Canceled, context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyRequestError(tt.err, "todos.list")
			assert.ErrorIs(t, err, tt.sentinel)
			assert.ErrorIs(t, err, tt.err)
			var ce *errors.ClassifiedError
			assert.Equal(t, tt.transient, stderrors.As(err, &ce))
		})
	}
}

type requesterFunc func(ctx context.Context, subject string, data []byte) (*nats.Msg, error)

func (f requesterFunc) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	return f(ctx, subject, data)
}

func reply(data string, code string) *nats.Msg {
	msg := &nats.Msg{Data: []byte(data)}
	if code != "" {
		msg.Header = nats.Header{}
		msg.Header.Set(HeaderServiceError, "failed")
		msg.Header.Set(HeaderServiceErrorCode, code)
	}
	return msg
}

func TestRequestFunc(t *testing.T) {
	var gotSubject string
	var gotBody []byte
	r := requesterFunc(func(_ context.Context, subject string, data []byte) (*nats.Msg, error) {
		gotSubject, gotBody = subject, data
		return reply(`{"id":1,"title":"write tests"}`, ""), nil
	})

	fn := RequestFunc(r, "todos.get")
	data, err := fn(context.Background(), query.FunctionContext{
		QueryKey: keyhash.Key{"todos", 1},
		Meta:     map[string]any{"tenant": "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "todos.get", gotSubject)
	assert.JSONEq(t, `{"key":["todos",1],"meta":{"tenant":"a"}}`, string(gotBody))
	assert.Equal(t, map[string]any{"id": float64(1), "title": "write tests"}, data)
}

func TestRequestFunc_ServiceErrors(t *testing.T) {
	tests := []struct {
		name         string
		msg          *nats.Msg
		transient    bool
		nonRetryable bool
	}{
		{"server error", reply("", "503"), true, false},
		{"rate limited", reply("", "429"), true, false},
		{"bad request", reply("", "400"), false, true},
		{"not found", reply("", "404"), false, true},
		{"malformed reply", reply("{", ""), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := requesterFunc(func(context.Context, string, []byte) (*nats.Msg, error) {
				return tt.msg, nil
			})
			_, err := RequestFunc(r, "todos.get")(context.Background(), query.FunctionContext{QueryKey: keyhash.Key{"todos"}})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Equal(t, tt.nonRetryable, retry.IsNonRetryable(err))
		})
	}
}

func TestMutationFunc(t *testing.T) {
	r := requesterFunc(func(_ context.Context, subject string, data []byte) (*nats.Msg, error) {
		assert.Equal(t, "todos.create", subject)
		assert.JSONEq(t, `{"title":"ship it"}`, string(data))
		return reply(`{"id":7}`, ""), nil
	})
	out, err := MutationFunc(r, "todos.create")(context.Background(), map[string]any{"title": "ship it"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(7)}, out)

	_, err = MutationFunc(r, "todos.create")(context.Background(), make(chan int))
	assert.True(t, retry.IsNonRetryable(err))
	assert.True(t, errors.IsInvalid(err))

	failing := requesterFunc(func(context.Context, string, []byte) (*nats.Msg, error) {
		return nil, classifyRequestError(nats.ErrNoResponders, "todos.create")
	})
	_, err = MutationFunc(failing, "todos.create")(context.Background(), 1)
	assert.ErrorIs(t, err, errors.ErrServiceUnavailable)
}
