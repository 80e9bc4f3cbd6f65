// Package bridge runs the read, decode, map and publish loop that turns a
// tracker record stream into a sample stream.
//
// The loop is strictly sequential: one record is read, decoded, mapped and
// pushed to the sink before the next read starts, so the tracker's output
// rate paces the whole pipeline. The only way to interrupt a blocked read is
// to close the source, which is what cancelling the Run context does.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/health"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/opengaze"
	"github.com/c360/gazestream/sample"
)

// Source yields framed records and owns the transport.
type Source interface {
	ReadRecord(ctx context.Context) (opengaze.Record, error)
	Close() error
}

// Sink receives the stream descriptor once and then every sample in order.
type Sink interface {
	Open(ctx context.Context, info sample.StreamInfo) error
	Push(ctx context.Context, s sample.Sample) error
	Close(ctx context.Context) error
}

// State of a bridge.
type State int32

// Bridge states. A bridge runs once.
const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultName       = "gazepoint"
	staleAfter        = 5 * time.Second
	sinkCloseTimeout  = 10 * time.Second
	warnEveryInterval = 10 * time.Second
)

// Deps are the bridge's collaborators. Source and Sink are required.
type Deps struct {
	Source  Source
	Sink    Sink
	Decoder *opengaze.Decoder // defaults to the full field catalogue
	Mapper  *sample.Mapper    // defaults to the 39 Gazepoint channels

	// StreamInfo is sent to the sink before the first sample. A zero value
	// is replaced by the defaults for the mapper's descriptor.
	StreamInfo sample.StreamInfo

	// AcceptTags limits which record tags become samples. Empty accepts all.
	AcceptTags []string

	// Name labels metrics and logs.
	Name string

	// EchoSamples logs every sample at debug level.
	EchoSamples bool

	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Stats is a snapshot of the bridge counters.
type Stats struct {
	RecordsRead      int64
	BytesRead        int64
	SamplesPublished int64
	RecordsSkipped   int64
	FieldsMalformed  int64
	LastActivity     time.Time
}

// FlowMetrics summarises throughput since Run started.
type FlowMetrics struct {
	RecordsPerSecond float64
	BytesPerSecond   float64
	SamplesPerSecond float64
	LastActivity     time.Time
}

// Bridge streams one tracker session to one sink.
type Bridge struct {
	name        string
	source      Source
	sink        Sink
	decoder     *opengaze.Decoder
	mapper      *sample.Mapper
	info        sample.StreamInfo
	accept      map[string]struct{}
	echo        bool
	logger      *slog.Logger
	metrics     *Metrics
	coreMetrics *metric.Metrics

	state   atomic.Int32
	started atomic.Int64 // unix nanos

	recordsRead      atomic.Int64
	bytesRead        atomic.Int64
	samplesPublished atomic.Int64
	recordsSkipped   atomic.Int64
	fieldsMalformed  atomic.Int64
	lastActivity     atomic.Int64 // unix nanos

	mu      sync.RWMutex
	lastErr error

	malformedWarn rate.Sometimes
}

// New validates deps and returns an idle bridge.
func New(deps Deps) (*Bridge, error) {
	if deps.Source == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: source", errors.ErrMissingConfig), "Bridge", "New", "check deps")
	}
	if deps.Sink == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: sink", errors.ErrMissingConfig), "Bridge", "New", "check deps")
	}

	name := deps.Name
	if name == "" {
		name = defaultName
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge", "bridge", name)

	decoder := deps.Decoder
	if decoder == nil {
		decoder = opengaze.NewDecoder()
	}
	mapper := deps.Mapper
	if mapper == nil {
		mapper = sample.NewMapper(sample.DefaultDescriptor())
	}

	info := deps.StreamInfo
	if info.ChannelCount == 0 && info.Name == "" {
		info = sample.NewStreamInfo(mapper.Descriptor())
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.ChannelCount != mapper.Descriptor().Len() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: stream declares %d channels, mapper produces %d",
				errors.ErrInvalidConfig, info.ChannelCount, mapper.Descriptor().Len()),
			"Bridge", "New", "check stream info")
	}

	var accept map[string]struct{}
	if len(deps.AcceptTags) > 0 {
		accept = make(map[string]struct{}, len(deps.AcceptTags))
		for _, t := range deps.AcceptTags {
			accept[t] = struct{}{}
		}
	}

	return &Bridge{
		name:          name,
		source:        deps.Source,
		sink:          deps.Sink,
		decoder:       decoder,
		mapper:        mapper,
		info:          info,
		accept:        accept,
		echo:          deps.EchoSamples,
		logger:        logger,
		metrics:       newMetrics(deps.MetricsRegistry, name),
		coreMetrics:   metric.Core(deps.MetricsRegistry),
		malformedWarn: rate.Sometimes{First: 1, Interval: warnEveryInterval},
	}, nil
}

// StreamInfo returns the descriptor the bridge announces.
func (b *Bridge) StreamInfo() sample.StreamInfo { return b.info }

// State returns the current state.
func (b *Bridge) State() State { return State(b.state.Load()) }

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.metrics.setState(s)
}

// Run opens the sink and streams until the source ends, an error occurs or
// ctx is cancelled. End of stream, a truncated final record and
// cancellation all return nil. Read and sink failures are returned. The
// source and sink are closed before Run returns. Run may be called once.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Run", "start bridge")
	}
	b.metrics.setState(StateRunning)
	b.started.Store(time.Now().UnixNano())

	defer b.setState(StateStopped)
	defer b.closeSink()

	// closing the source is the only way to unblock a pending read
	stop := make(chan struct{})
	var closeOnce sync.Once
	closeSource := func() {
		closeOnce.Do(func() {
			if err := b.source.Close(); err != nil {
				b.logger.Debug("Source close", "error", err)
			}
		})
	}
	defer closeSource()
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closeSource()
		case <-stop:
		}
	}()

	if err := b.sink.Open(ctx, b.info); err != nil {
		return b.fail(errors.Wrap(err, "Bridge", "Run", "open sink"))
	}
	b.logger.Info("Streaming started",
		"stream", b.info.Name,
		"session", b.info.SessionID,
		"channels", b.info.ChannelCount)

	err := b.loop(ctx)
	b.logger.Info("Streaming stopped",
		"records", b.recordsRead.Load(),
		"samples", b.samplesPublished.Load(),
		"error", err)
	return err
}

func (b *Bridge) loop(ctx context.Context) error {
	for {
		rec, err := b.source.ReadRecord(ctx)
		if err != nil {
			return b.readFailed(ctx, rec, err)
		}
		b.recordsRead.Add(1)
		b.bytesRead.Add(int64(rec.Len()))
		b.lastActivity.Store(time.Now().UnixNano())
		b.metrics.recordRead(rec.Len())

		res := b.decoder.DecodeRecord(rec.Text)
		b.metrics.fieldIssues(len(res.Malformed), len(res.Missing))
		if len(res.Malformed) > 0 {
			b.fieldsMalformed.Add(int64(len(res.Malformed)))
			b.malformedWarn.Do(func() {
				b.logger.Warn("Dropped non-numeric fields", "fields", res.Malformed, "record", rec.Payload())
			})
		}

		if b.accept != nil {
			if _, ok := b.accept[res.Tag]; !ok {
				b.recordsSkipped.Add(1)
				b.metrics.skipped()
				b.logger.Debug("Skipped record", "tag", res.Tag)
				continue
			}
		}

		s := b.mapper.Map(res.Fields)
		s.Seq = uint64(b.samplesPublished.Load() + 1)

		start := time.Now()
		if err := b.sink.Push(ctx, s); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return b.fail(errors.Wrap(err, "Bridge", "Run", "push sample"))
		}
		b.samplesPublished.Add(1)
		b.metrics.published(time.Since(start).Seconds(), s.Timestamp)

		if b.echo {
			b.logger.Debug("Sample", "seq", s.Seq, "timestamp", s.Timestamp, "values", s.Values)
		}
	}
}

func (b *Bridge) readFailed(ctx context.Context, rec opengaze.Record, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		b.logger.Info("Tracker closed the stream")
		return nil
	case errors.Is(err, opengaze.ErrTruncatedRecord):
		b.logger.Warn("Tracker closed the stream inside a record, dropping partial record",
			"bytes", rec.Len())
		return nil
	case ctx.Err() != nil:
		return nil
	}

	var ce *errors.ClassifiedError
	if !errors.As(err, &ce) {
		err = errors.WrapTransient(err, "Bridge", "Run", "read record")
	}
	return b.fail(err)
}

func (b *Bridge) fail(err error) error {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	b.coreMetrics.RecordError("bridge", errors.Classify(err).String())
	b.logger.Error("Bridge failed", "error", err, "class", errors.Classify(err).String())
	return err
}

func (b *Bridge) closeSink() {
	ctx, cancel := context.WithTimeout(context.Background(), sinkCloseTimeout)
	defer cancel()
	if err := b.sink.Close(ctx); err != nil {
		b.logger.Warn("Sink close failed", "error", err)
	}
}

// LastError returns the error that stopped the bridge, if any.
func (b *Bridge) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Stats returns the counters.
func (b *Bridge) Stats() Stats {
	s := Stats{
		RecordsRead:      b.recordsRead.Load(),
		BytesRead:        b.bytesRead.Load(),
		SamplesPublished: b.samplesPublished.Load(),
		RecordsSkipped:   b.recordsSkipped.Load(),
		FieldsMalformed:  b.fieldsMalformed.Load(),
	}
	if ns := b.lastActivity.Load(); ns > 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}

func (b *Bridge) startTime() time.Time {
	if ns := b.started.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// DataFlow returns average rates since Run started.
func (b *Bridge) DataFlow() FlowMetrics {
	st := b.Stats()
	fm := FlowMetrics{LastActivity: st.LastActivity}
	started := b.startTime()
	if started.IsZero() {
		return fm
	}
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		return fm
	}
	fm.RecordsPerSecond = float64(st.RecordsRead) / elapsed
	fm.BytesPerSecond = float64(st.BytesRead) / elapsed
	fm.SamplesPerSecond = float64(st.SamplesPublished) / elapsed
	return fm
}

// Health reports the bridge as healthy while records keep arriving.
func (b *Bridge) Health() health.Status {
	st := b.Stats()
	var status health.Status

	switch b.State() {
	case StateIdle:
		status = health.NewDegraded("bridge", "not started")
	case StateRunning:
		if !st.LastActivity.IsZero() && time.Since(st.LastActivity) > staleAfter {
			status = health.NewDegraded("bridge", fmt.Sprintf("no records for %s", time.Since(st.LastActivity).Truncate(time.Second)))
		} else {
			status = health.NewHealthy("bridge", "streaming")
		}
	default:
		if err := b.LastError(); err != nil {
			status = health.NewUnhealthy("bridge", err.Error())
		} else {
			status = health.NewUnhealthy("bridge", "stream ended")
		}
	}

	var uptime time.Duration
	if started := b.startTime(); !started.IsZero() {
		uptime = time.Since(started)
	}
	errCount := 0
	if b.LastError() != nil {
		errCount = 1
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:            uptime,
		ErrorCount:        errCount,
		MessagesProcessed: st.SamplesPublished,
		LastActivity:      st.LastActivity,
	})
}
