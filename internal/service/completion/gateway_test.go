package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chatbotgo/internal/config"
	"chatbotgo/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	calls   atomic.Int32
	replies []string
	errs    []error
	block   bool
}

func (b *scriptedBackend) Generate(ctx context.Context, _, _ string) (string, error) {
	i := int(b.calls.Add(1)) - 1
	if b.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	var (
		reply string
		err   error
	)
	if i < len(b.replies) {
		reply = b.replies[i]
	}
	if i < len(b.errs) {
		err = b.errs[i]
	}
	return reply, err
}

func testGateway(t *testing.T, backend Backend, retries int, timeout time.Duration) (*Gateway, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cfg := config.CompletionConfig{
		Provider:   "test",
		Timeout:    config.Duration(timeout),
		MaxRetries: &retries,
	}
	g := NewGateway(backend, cfg, metrics)
	g.retryInterval = time.Millisecond
	return g, metrics
}

func TestGatewaySuccess(t *testing.T) {
	backend := &scriptedBackend{replies: []string{"hi"}}
	g, metrics := testGateway(t, backend, 1, time.Second)

	reply, err := g.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", reply)
	assert.EqualValues(t, 1, backend.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GatewayRequestsTotal.WithLabelValues("test", "ok")))
}

func TestGatewayRetriesOnce(t *testing.T) {
	backend := &scriptedBackend{
		replies: []string{"", "second"},
		errs:    []error{errors.New("503"), nil},
	}
	g, metrics := testGateway(t, backend, 1, time.Second)

	reply, err := g.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, "second", reply)
	assert.EqualValues(t, 2, backend.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GatewayRetriesTotal.WithLabelValues("test")))
}

func TestGatewayGivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("quota exceeded")
	backend := &scriptedBackend{errs: []error{boom, boom, boom, boom}}
	g, metrics := testGateway(t, backend, 1, time.Second)

	_, err := g.Complete(context.Background(), "sys", "hello")
	require.ErrorIs(t, err, ErrGateway)
	assert.EqualValues(t, 2, backend.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GatewayRequestsTotal.WithLabelValues("test", "error")))
}

func TestGatewayNoRetryWhenDisabled(t *testing.T) {
	backend := &scriptedBackend{errs: []error{errors.New("x"), errors.New("x")}}
	g, _ := testGateway(t, backend, 0, time.Second)

	_, err := g.Complete(context.Background(), "sys", "hello")
	require.ErrorIs(t, err, ErrGateway)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestGatewayEmptyReplyIsFailure(t *testing.T) {
	backend := &scriptedBackend{replies: []string{"  ", ""}}
	g, _ := testGateway(t, backend, 1, time.Second)

	_, err := g.Complete(context.Background(), "sys", "hello")
	require.ErrorIs(t, err, ErrGateway)
	assert.EqualValues(t, 2, backend.calls.Load())
}

func TestGatewayAttemptTimeout(t *testing.T) {
	backend := &scriptedBackend{block: true}
	g, _ := testGateway(t, backend, 1, 20*time.Millisecond)

	started := time.Now()
	_, err := g.Complete(context.Background(), "sys", "hello")
	require.ErrorIs(t, err, ErrGateway)
	assert.EqualValues(t, 2, backend.calls.Load())
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestGatewayCallerCancelNotRetried(t *testing.T) {
	backend := &scriptedBackend{block: true}
	g, _ := testGateway(t, backend, 3, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Complete(ctx, "sys", "hello")
	require.ErrorIs(t, err, ErrGateway)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestNewBackendSelection(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, config.CompletionConfig{Provider: "mock"})
	require.NoError(t, err)
	reply, err := b.Generate(ctx, "sys", "ping")
	require.NoError(t, err)
	assert.Equal(t, "You said ping", reply)

	_, err = NewBackend(ctx, config.CompletionConfig{Provider: "compatible", APIKey: "k"})
	require.Error(t, err)

	_, err = NewBackend(ctx, config.CompletionConfig{Provider: "ark", APIKey: "k"})
	require.Error(t, err)

	_, err = NewBackend(ctx, config.CompletionConfig{Provider: "cohere"})
	require.Error(t, err)
}

func TestCompatibleBackendSendsFixedParameters(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-local", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hello from local"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	temp, topP, freq, pres := float32(1.0), float32(1.0), float32(0.5), float32(0.25)
	maxTokens := 2048
	b, err := NewBackend(context.Background(), config.CompletionConfig{
		Provider:         "compatible",
		APIKey:           "sk-local",
		BaseURL:          srv.URL + "/v1",
		Model:            "llama3",
		Temperature:      &temp,
		MaxTokens:        &maxTokens,
		TopP:             &topP,
		FrequencyPenalty: &freq,
		PresencePenalty:  &pres,
	})
	require.NoError(t, err)

	reply, err := b.Generate(context.Background(), "You are a helpful assistant.", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello from local", reply)

	assert.Equal(t, "llama3", got["model"])
	assert.EqualValues(t, 2048, got["max_tokens"])
	assert.EqualValues(t, 0.5, got["frequency_penalty"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hello", msgs[1].(map[string]any)["content"])
}
