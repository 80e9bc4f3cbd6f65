package bridge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/opengaze"
	"github.com/c360/gazestream/sample"
	gstest "github.com/c360/gazestream/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBridge(t *testing.T, src Source, sink Sink, mutate ...func(*Deps)) *Bridge {
	t.Helper()
	deps := Deps{Source: src, Sink: sink, Logger: quietLogger()}
	for _, m := range mutate {
		m(&deps)
	}
	b, err := New(deps)
	require.NoError(t, err)
	return b
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Deps{Sink: gstest.NewMemorySink()})
	assert.True(t, errors.IsInvalid(err))

	_, err = New(Deps{Source: gstest.NewScriptedSource()})
	assert.True(t, errors.IsInvalid(err))

	info := sample.NewStreamInfo(sample.DefaultDescriptor())
	info.ChannelCount = 3
	info.Channels = nil
	_, err = New(Deps{Source: gstest.NewScriptedSource(), Sink: gstest.NewMemorySink(), StreamInfo: info})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestRun_ExampleRecord(t *testing.T) {
	src := gstest.NewScriptedSource(`<REC TIME="1.5" FPOGX="0.2" FPOGY="0.8" FPOGV="1" />` + "\r\n")
	sink := gstest.NewMemorySink()
	b := newBridge(t, src, sink)

	require.NoError(t, b.Run(context.Background()))

	assert.Equal(t, 1, sink.OpenCalls)
	assert.Equal(t, "Gazepoint", sink.Info.Name)
	assert.Equal(t, 39, sink.Info.ChannelCount)

	got := sink.Received()
	require.Len(t, got, 1)
	assert.Equal(t, 1.5, got[0].Timestamp)
	assert.Equal(t, uint64(1), got[0].Seq)
	require.Len(t, got[0].Values, 39)
	want := make([]float64, 39)
	want[0], want[1], want[5] = 0.2, 0.8, 1
	assert.Equal(t, want, got[0].Values)

	assert.Equal(t, StateStopped, b.State())
	assert.Equal(t, 1, sink.CloseCalls)
	assert.True(t, src.Closed())
}

func TestRun_MalformedFieldDefaults(t *testing.T) {
	src := gstest.NewScriptedSource(`<REC TIME="2" FPOGX="abc" FPOGY="0.4" />` + "\r\n")
	sink := gstest.NewMemorySink()
	b := newBridge(t, src, sink)

	require.NoError(t, b.Run(context.Background()))
	got := sink.Received()
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Timestamp)
	assert.Equal(t, 0.0, got[0].Values[0])
	assert.Equal(t, 0.4, got[0].Values[1])
	assert.Equal(t, int64(1), b.Stats().FieldsMalformed)
}

func TestRun_MissingTimestamp(t *testing.T) {
	src := gstest.NewScriptedSource(gstest.Rec("FPOGX", "0.3"))
	sink := gstest.NewMemorySink()

	require.NoError(t, newBridge(t, src, sink).Run(context.Background()))
	require.Equal(t, 1, sink.Count())
	assert.Equal(t, 0.0, sink.Received()[0].Timestamp)
}

func TestRun_EverySampleHasFullWidth(t *testing.T) {
	records := []string{
		gstest.FullRec(1),
		gstest.Rec("TIME", "0.1"),
		"<ACK ID=\"ENABLE_SEND_DATA\" STATE=\"1\" />\r\n",
		"garbage\r\n",
		gstest.FullRec(2),
	}
	sink := gstest.NewMemorySink()
	b := newBridge(t, gstest.NewScriptedSource(records...), sink)

	require.NoError(t, b.Run(context.Background()))
	got := sink.Received()
	require.Len(t, got, len(records))
	for i, s := range got {
		assert.Len(t, s.Values, 39, "sample %d", i)
		assert.Equal(t, uint64(i+1), s.Seq)
	}
	// full record fills HRP, the last channel
	assert.Equal(t, 2.0, got[4].Values[38])
	assert.Equal(t, 71.0, got[0].Values[36])
}

func TestRun_AcceptTags(t *testing.T) {
	src := gstest.NewScriptedSource(
		gstest.Ack("ENABLE_SEND_DATA"),
		gstest.Rec("TIME", "1"),
		`<CAL ID="CALIB_START_PT" PT="1" />`+"\r\n",
		gstest.Rec("TIME", "2"),
	)
	sink := gstest.NewMemorySink()
	b := newBridge(t, src, sink, func(d *Deps) { d.AcceptTags = []string{opengaze.TagData} })

	require.NoError(t, b.Run(context.Background()))
	got := sink.Received()
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Timestamp)
	assert.Equal(t, 2.0, got[1].Timestamp)
	assert.Equal(t, int64(2), b.Stats().RecordsSkipped)
	assert.Equal(t, int64(4), b.Stats().RecordsRead)
}

func TestRun_TruncatedTailStopsCleanly(t *testing.T) {
	src := gstest.NewScriptedSource(gstest.Rec("TIME", "1"))
	src.End = errors.WrapInvalid(opengaze.ErrTruncatedRecord, "Framer", "ReadRecord", "read record")
	sink := gstest.NewMemorySink()
	b := newBridge(t, src, sink)

	require.NoError(t, b.Run(context.Background()))
	assert.Equal(t, 1, sink.Count())
	assert.Equal(t, StateStopped, b.State())
	assert.NoError(t, b.LastError())
}

func TestRun_ReadTimeoutIsFatal(t *testing.T) {
	src := gstest.NewScriptedSource(gstest.Rec("TIME", "1"))
	src.End = errors.WrapFatal(opengaze.ErrRecordTimeout, "Framer", "ReadRecord", "await record terminator")
	sink := gstest.NewMemorySink()
	b := newBridge(t, src, sink)

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, opengaze.ErrRecordTimeout)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, StateStopped, b.State())
	assert.True(t, b.Health().IsUnhealthy())
	assert.Equal(t, 1, sink.Count())
}

func TestRun_UnclassifiedReadErrorIsTransient(t *testing.T) {
	src := gstest.NewScriptedSource()
	src.End = io.ErrUnexpectedEOF
	b := newBridge(t, src, gstest.NewMemorySink())

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRun_SinkPushError(t *testing.T) {
	src := gstest.NewScriptedSource(gstest.Rec("TIME", "1"), gstest.Rec("TIME", "2"), gstest.Rec("TIME", "3"))
	sink := gstest.NewMemorySink()
	sink.PushErr = errors.WrapTransient(errors.ErrSinkClosed, "Sink", "Push", "write")
	sink.FailAfter = 1
	b := newBridge(t, src, sink)

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSinkClosed)
	assert.Equal(t, 1, sink.Count())
	assert.Equal(t, int64(2), b.Stats().RecordsRead, "no read ahead after failed push")
}

func TestRun_SinkOpenError(t *testing.T) {
	src := gstest.NewScriptedSource(gstest.Rec("TIME", "1"))
	sink := gstest.NewMemorySink()
	sink.OpenErr = errors.WrapFatal(errors.ErrStorageFull, "Sink", "Open", "create file")
	b := newBridge(t, src, sink)

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Zero(t, b.Stats().RecordsRead)
	assert.Zero(t, sink.Count())
}

func TestRun_Once(t *testing.T) {
	b := newBridge(t, gstest.NewScriptedSource(), gstest.NewMemorySink())
	require.NoError(t, b.Run(context.Background()))

	err := b.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestRun_CancelClosesSource(t *testing.T) {
	src := gstest.NewScriptedSource(gstest.Rec("TIME", "1"))
	src.Block = true
	sink := gstest.NewMemorySink()
	b := newBridge(t, src, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, b.State())
	assert.True(t, b.Health().IsHealthy())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, src.Closed())
	assert.Equal(t, StateStopped, b.State())
}

func TestRun_OneSampleInFlight(t *testing.T) {
	records := make([]string, 20)
	for i := range records {
		records[i] = gstest.FullRec(i)
	}
	src := gstest.NewScriptedSource(records...)
	sink := gstest.NewMemorySink()

	var b *Bridge
	sink.OnPush = func(s sample.Sample) {
		// when a sample is being pushed, exactly that many records were read
		assert.Equal(t, int64(s.Seq), b.Stats().RecordsRead)
	}
	b = newBridge(t, src, sink)

	require.NoError(t, b.Run(context.Background()))
	assert.Equal(t, 20, sink.Count())
}

func TestRun_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	src := gstest.NewScriptedSource(
		gstest.Rec("TIME", "1", "FPOGX", "x"),
		gstest.Ack("ENABLE_SEND_DATA"),
		gstest.Rec("TIME", "2.5"),
	)
	sink := gstest.NewMemorySink()
	b := newBridge(t, src, sink, func(d *Deps) {
		d.MetricsRegistry = registry
		d.AcceptTags = []string{"REC"}
		d.Name = "test"
	})

	require.NoError(t, b.Run(context.Background()))

	m := b.metrics
	require.NotNil(t, m)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.recordsRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.samplesPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fieldsMalformed))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.lastSampleTime))
	assert.Equal(t, float64(b.Stats().BytesRead), testutil.ToFloat64(m.bytesRead))
	assert.Equal(t, float64(StateStopped),
		testutil.ToFloat64(registry.CoreMetrics().BridgeState.WithLabelValues("test")))

	// 40 catalogue fields; a malformed field is present, not missing
	assert.Equal(t, float64(38+40+39), testutil.ToFloat64(m.fieldsMissing))
}

func TestBridge_HealthAndFlow(t *testing.T) {
	b := newBridge(t, gstest.NewScriptedSource(gstest.Rec("TIME", "1")), gstest.NewMemorySink())
	assert.True(t, b.Health().IsDegraded())
	assert.Zero(t, b.DataFlow().RecordsPerSecond)

	require.NoError(t, b.Run(context.Background()))

	h := b.Health()
	assert.True(t, h.IsUnhealthy())
	require.NotNil(t, h.Metrics)
	assert.Equal(t, int64(1), h.Metrics.MessagesProcessed)

	flow := b.DataFlow()
	assert.Greater(t, flow.RecordsPerSecond, 0.0)
	assert.False(t, flow.LastActivity.IsZero())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(9).String())
}
