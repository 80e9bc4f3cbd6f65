package bridge_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gazestream/bridge"
	"github.com/c360/gazestream/opengaze"
	"github.com/c360/gazestream/testutil"
)

func TestBridge_TrackerSession(t *testing.T) {
	stream := []string{
		testutil.FullRec(0),
		// split a record across writes
		`<REC TIME="0.03333" FPOGX="0.6`, `1" FPOGY="0.40" />` + "\r\n",
		testutil.FullRec(3),
	}
	tracker := testutil.NewFakeTracker(t, stream...).Start()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := opengaze.Connect(ctx, opengaze.SessionConfig{
		Address:          tracker.Addr(),
		DialTimeout:      time.Second,
		HandshakeTimeout: time.Second,
	}, logger)
	require.NoError(t, err)

	sink := testutil.NewMemorySink()
	b, err := bridge.New(bridge.Deps{Source: sess, Sink: sink, Logger: logger})
	require.NoError(t, err)

	require.NoError(t, b.Run(ctx))

	got := sink.Received()
	require.Len(t, got, 3)
	assert.Equal(t, 0.0, got[0].Timestamp)
	assert.InDelta(t, 0.03333, got[1].Timestamp, 1e-9)
	assert.Equal(t, 0.61, got[1].Values[0])
	assert.Equal(t, 0.40, got[1].Values[1])
	assert.Equal(t, 0.05, got[2].Timestamp)
	assert.Equal(t, 3.0, got[2].Values[38])

	assert.Len(t, tracker.CommandIDs(), 14)
	assert.Equal(t, "ENABLE_SEND_DATA", tracker.CommandIDs()[13])
	assert.Equal(t, bridge.StateStopped, b.State())
}

func TestBridge_TrackerSessionCancel(t *testing.T) {
	tracker := testutil.NewFakeTracker(t, testutil.FullRec(1))
	tracker.Hold = true
	tracker.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := opengaze.Connect(ctx, opengaze.SessionConfig{Address: tracker.Addr()}, nil)
	require.NoError(t, err)

	sink := testutil.NewMemorySink()
	b, err := bridge.New(bridge.Deps{Source: sess, Sink: sink})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop after cancel")
	}
}
