//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	sub, err := tc.Client.Conn().Subscribe("gaze.test", func(m *nats.Msg) {
		got <- m.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, tc.Client.Publish(ctx, "gaze.test", []byte("hello")))
	require.NoError(t, tc.Client.Flush(ctx))

	select {
	case data := <-got:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.True(t, tc.Client.Health().IsHealthy())
}

func TestIntegration_StreamAndKV(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "GAZE_TEST",
		Subjects: []string{"gaze.test.>"},
	})
	require.NoError(t, err)

	// idempotent
	_, err = tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "GAZE_TEST",
		Subjects: []string{"gaze.test.>"},
	})
	require.NoError(t, err)

	seq, err := tc.Client.PublishToStream(ctx, "gaze.test.samples", []byte(`{"seq":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	rev, err := tc.Client.PutKV(ctx, "GAZE_TEST_INFO", "session", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	val, rev2, err := tc.Client.GetKV(ctx, "GAZE_TEST_INFO", "session")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(val))
	assert.Equal(t, rev, rev2)

	_, _, err = tc.Client.GetKV(ctx, "GAZE_TEST_INFO", "missing")
	assert.True(t, IsKVNotFoundError(err))
}
