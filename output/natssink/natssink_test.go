package natssink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/sample"
	gstest "github.com/c360/gazestream/testutil"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"core only", func(c *Config) { c.JetStream = false; c.StreamName = "" }, true},
		{"empty subject", func(c *Config) { c.Subject = "" }, false},
		{"wildcard subject", func(c *Config) { c.Subject = "gaze.>" }, false},
		{"trailing dot", func(c *Config) { c.Subject = "gaze." }, false},
		{"jetstream without stream", func(c *Config) { c.StreamName = "" }, false},
		{"dotted stream", func(c *Config) { c.StreamName = "A.B" }, false},
		{"negative age", func(c *Config) { c.MaxAge = -time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestNew_RequiresPublisher(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestSink_JetStream(t *testing.T) {
	ctx := context.Background()
	pub := gstest.NewMockPublisher()
	registry := metric.NewMetricsRegistry()
	s, err := New(DefaultConfig(), pub, nil, registry)
	require.NoError(t, err)

	info := sample.NewStreamInfo(sample.DefaultDescriptor())
	require.NoError(t, s.Open(ctx, info))

	streams := pub.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "GAZESTREAM", streams[0].Name)
	assert.Equal(t, []string{"gazestream.gazepoint.>"}, streams[0].Subjects)
	assert.Equal(t, jetstream.FileStorage, streams[0].Storage)

	stored, ok := pub.KV("gazestream_sessions", info.SessionID)
	require.True(t, ok)
	var got sample.StreamInfo
	require.NoError(t, json.Unmarshal(stored, &got))
	assert.Equal(t, info.SessionID, got.SessionID)
	assert.Len(t, pub.Streamed("gazestream.gazepoint.info"), 1)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Push(ctx, sample.Sample{Seq: uint64(i), Timestamp: float64(i), Values: []float64{0.5}}))
	}
	msgs := pub.Streamed("gazestream.gazepoint.samples")
	require.Len(t, msgs, 2)
	var smp sample.Sample
	require.NoError(t, json.Unmarshal(msgs[1], &smp))
	assert.Equal(t, uint64(2), smp.Seq)
	assert.Equal(t, []float64{0.5}, smp.Values)

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 1, pub.Flushes())
	assert.False(t, pub.IsClosed(), "publisher is owned by the caller")
	assert.Equal(t, 2.0, testutil.ToFloat64(registry.CoreMetrics().SinkSamples.WithLabelValues("nats")))

	assert.ErrorIs(t, s.Push(ctx, sample.Sample{}), errors.ErrSinkClosed)
}

func TestSink_CoreNATS(t *testing.T) {
	ctx := context.Background()
	pub := gstest.NewMockPublisher()
	cfg := DefaultConfig()
	cfg.JetStream = false
	cfg.InfoBucket = ""
	cfg.Subject = "lab.tracker1"

	s, err := New(cfg, pub, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx, sample.NewStreamInfo(sample.DefaultDescriptor())))
	require.NoError(t, s.Push(ctx, sample.Sample{Values: []float64{1}}))

	assert.Empty(t, pub.Streams())
	assert.Len(t, pub.Messages("lab.tracker1.info"), 1)
	assert.Len(t, pub.Messages("lab.tracker1.samples"), 1)
	assert.Empty(t, pub.Streamed("lab.tracker1.samples"))
	assert.Equal(t, int64(1), s.Published())
}

func TestSink_Errors(t *testing.T) {
	ctx := context.Background()
	info := sample.NewStreamInfo(sample.DefaultDescriptor())

	pub := gstest.NewMockPublisher()
	pub.StreamErr = errors.WrapTransient(errors.ErrNoConnection, "Client", "EnsureStream", "create stream")
	s, err := New(DefaultConfig(), pub, nil, nil)
	require.NoError(t, err)
	err = s.Open(ctx, info)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	pub = gstest.NewMockPublisher()
	registry := metric.NewMetricsRegistry()
	s, err = New(DefaultConfig(), pub, nil, registry)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx, info))
	pub.PublishErr = errors.WrapTransient(errors.ErrConnectionLost, "Client", "PublishToStream", "publish")
	err = s.Push(ctx, sample.Sample{})
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().SinkErrors.WithLabelValues("nats")))

	assert.ErrorIs(t, s.Open(ctx, info), errors.ErrAlreadyStarted)
}
