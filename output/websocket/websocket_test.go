package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/sample"
)

func openOutput(t *testing.T, registry *metric.MetricsRegistry) (*Output, sample.StreamInfo) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	out, err := NewOutput(cfg, nil, registry)
	require.NoError(t, err)

	info := sample.NewStreamInfo(sample.DefaultDescriptor())
	require.NoError(t, out.Open(context.Background(), info))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = out.Close(ctx)
	})
	return out, info
}

func dial(t *testing.T, out *Output) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+out.Addr()+"/stream", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Addr = "" },
		func(c *Config) { c.Path = "stream" },
		func(c *Config) { c.SendBuffer = 0 },
	} {
		c := DefaultConfig()
		mutate(&c)
		assert.ErrorIs(t, c.Validate(), errors.ErrInvalidConfig)
	}
}

func TestOutput_InfoThenSamples(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	out, info := openOutput(t, registry)
	conn := dial(t, out)

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeInfo, env.Type)
	var got sample.StreamInfo
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, info.SessionID, got.SessionID)
	assert.Equal(t, 39, got.ChannelCount)

	require.Eventually(t, func() bool { return out.Clients() == 1 }, time.Second, 5*time.Millisecond)

	values := make([]float64, 39)
	values[0] = 0.2
	require.NoError(t, out.Push(context.Background(), sample.Sample{Seq: 1, Timestamp: 1.5, Values: values}))

	env = readEnvelope(t, conn)
	assert.Equal(t, TypeSample, env.Type)
	var s sample.Sample
	require.NoError(t, json.Unmarshal(env.Payload, &s))
	assert.Equal(t, 1.5, s.Timestamp)
	assert.Equal(t, 0.2, s.Values[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().SinkSamples.WithLabelValues("websocket")))
	assert.Equal(t, 1.0, testutil.ToFloat64(out.metrics.clientsConnected))
}

func TestOutput_BroadcastToAllClients(t *testing.T) {
	out, _ := openOutput(t, nil)
	a, b := dial(t, out), dial(t, out)
	readEnvelope(t, a)
	readEnvelope(t, b)
	require.Eventually(t, func() bool { return out.Clients() == 2 }, time.Second, 5*time.Millisecond)

	for i := 1; i <= 3; i++ {
		require.NoError(t, out.Push(context.Background(), sample.Sample{Seq: uint64(i), Values: []float64{float64(i)}}))
	}
	for _, conn := range []*websocket.Conn{a, b} {
		var prev uint64
		for i := 0; i < 3; i++ {
			env := readEnvelope(t, conn)
			assert.Greater(t, env.ID, prev, "envelope ids increase")
			prev = env.ID
		}
	}
}

func TestOutput_PushWithoutClients(t *testing.T) {
	out, _ := openOutput(t, nil)
	assert.NoError(t, out.Push(context.Background(), sample.Sample{Values: []float64{1}}))
}

func TestOutput_ClientDisconnect(t *testing.T) {
	out, _ := openOutput(t, nil)
	conn := dial(t, out)
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return out.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return out.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestOutput_CloseDisconnectsClients(t *testing.T) {
	out, _ := openOutput(t, nil)
	conn := dial(t, out)
	readEnvelope(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, out.Close(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "connection should be closed")

	assert.ErrorIs(t, out.Push(context.Background(), sample.Sample{}), errors.ErrSinkClosed)
	assert.ErrorIs(t, out.Open(context.Background(), sample.StreamInfo{}), errors.ErrAlreadyStarted)
}
