// Package natssink publishes a sample stream to NATS.
//
// Samples go to "<subject>.samples" as JSON, the stream descriptor to
// "<subject>.info". With JetStream enabled both subjects are captured by a
// stream and every publish waits for the server acknowledgement. The
// descriptor is also stored in a KV bucket keyed by session id so late
// consumers can look it up.
package natssink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/sample"
)

const sinkName = "nats"

// Publisher is the part of natsclient.Client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishToStream(ctx context.Context, subject string, data []byte) (uint64, error)
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PutKV(ctx context.Context, bucket, key string, value []byte) (uint64, error)
	Flush(ctx context.Context) error
}

// Config holds configuration for the NATS sink
type Config struct {
	Subject    string        `json:"subject" yaml:"subject" toml:"subject"`
	JetStream  bool          `json:"jetstream" yaml:"jetstream" toml:"jetstream"`
	StreamName string        `json:"stream_name" yaml:"stream_name" toml:"stream_name"`
	MaxAge     time.Duration `json:"-" yaml:"-" toml:"-"`
	InfoBucket string        `json:"info_bucket" yaml:"info_bucket" toml:"info_bucket"`
}

// DefaultConfig returns default configuration for the NATS sink
func DefaultConfig() Config {
	return Config{
		Subject:    "gazestream.gazepoint",
		JetStream:  true,
		StreamName: "GAZESTREAM",
		MaxAge:     24 * time.Hour,
		InfoBucket: "gazestream_sessions",
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Subject == "" || strings.ContainsAny(c.Subject, " *>") ||
		strings.HasPrefix(c.Subject, ".") || strings.HasSuffix(c.Subject, ".") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"subject must be a literal NATS subject")
	}
	if c.JetStream && c.StreamName == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"stream_name is required with jetstream")
	}
	if strings.ContainsAny(c.StreamName, " .*>") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"stream_name must not contain spaces, dots or wildcards")
	}
	if c.MaxAge < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_age cannot be negative")
	}
	return nil
}

// SamplesSubject is where samples are published.
func (c Config) SamplesSubject() string { return c.Subject + ".samples" }

// InfoSubject is where the stream descriptor is published.
func (c Config) InfoSubject() string { return c.Subject + ".info" }

// Sink publishes samples through a Publisher.
type Sink struct {
	config  Config
	pub     Publisher
	logger  *slog.Logger
	metrics *metric.Metrics

	opened    atomic.Bool
	closed    atomic.Bool
	published atomic.Int64
	lastSeq   atomic.Uint64
}

// New validates cfg and returns an unopened sink.
func New(cfg Config, pub Publisher, logger *slog.Logger, registry *metric.MetricsRegistry) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "New", "publisher required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		config:  cfg,
		pub:     pub,
		logger:  logger.With("component", "nats-sink"),
		metrics: metric.Core(registry),
	}, nil
}

// Open prepares the stream and publishes the descriptor.
func (s *Sink) Open(ctx context.Context, info sample.StreamInfo) error {
	if !s.opened.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sink", "Open", "check open state")
	}

	if s.config.JetStream {
		_, err := s.pub.EnsureStream(ctx, jetstream.StreamConfig{
			Name:        s.config.StreamName,
			Description: "Gaze tracker sample stream",
			Subjects:    []string{s.config.Subject + ".>"},
			Storage:     jetstream.FileStorage,
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      s.config.MaxAge,
		})
		if err != nil {
			return errors.Wrap(err, "Sink", "Open", "ensure stream "+s.config.StreamName)
		}
	}

	data, err := json.Marshal(info)
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "Open", "marshal stream info")
	}
	if err := s.publish(ctx, s.config.InfoSubject(), data); err != nil {
		return errors.Wrap(err, "Sink", "Open", "publish stream info")
	}

	if s.config.InfoBucket != "" {
		if _, err := s.pub.PutKV(ctx, s.config.InfoBucket, info.SessionID, data); err != nil {
			return errors.Wrap(err, "Sink", "Open", "store stream info")
		}
	}

	s.logger.Info("NATS sink opened",
		"subject", s.config.SamplesSubject(),
		"jetstream", s.config.JetStream,
		"session", info.SessionID)
	return nil
}

func (s *Sink) publish(ctx context.Context, subject string, data []byte) error {
	if !s.config.JetStream {
		return s.pub.Publish(ctx, subject, data)
	}
	seq, err := s.pub.PublishToStream(ctx, subject, data)
	if err != nil {
		return err
	}
	s.lastSeq.Store(seq)
	return nil
}

// Push publishes one sample.
func (s *Sink) Push(ctx context.Context, smp sample.Sample) error {
	if s.closed.Load() {
		return errors.WrapFatal(errors.ErrSinkClosed, "Sink", "Push", "check open state")
	}
	data, err := json.Marshal(smp)
	if err != nil {
		s.metrics.RecordSinkError(sinkName)
		return errors.WrapInvalid(err, "Sink", "Push", "marshal sample")
	}
	if err := s.publish(ctx, s.config.SamplesSubject(), data); err != nil {
		s.metrics.RecordSinkError(sinkName)
		return errors.Wrap(err, "Sink", "Push", "publish sample")
	}
	s.published.Add(1)
	s.metrics.RecordSinkSample(sinkName)
	return nil
}

// Close flushes pending core publishes. The publisher stays open.
func (s *Sink) Close(ctx context.Context) error {
	if !s.opened.Load() || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.pub.Flush(ctx); err != nil {
		return errors.Wrap(err, "Sink", "Close", "flush")
	}
	s.logger.Info("NATS sink closed", "samples", s.published.Load(), "last_stream_seq", s.lastSeq.Load())
	return nil
}

// Published returns how many samples were accepted by the server.
func (s *Sink) Published() int64 { return s.published.Load() }
