package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// MockPublisher is an in-memory stand-in for natsclient.Client's publishing
// surface. It is safe for concurrent use.
type MockPublisher struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	streamed map[string][][]byte
	streams  []jetstream.StreamConfig
	kv       map[string][]byte
	seq      uint64
	flushes  int
	closed   bool

	// PublishErr, when set, fails every publish.
	PublishErr error
	// StreamErr, when set, fails EnsureStream.
	StreamErr error
}

// NewMockPublisher returns an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		messages: make(map[string][][]byte),
		streamed: make(map[string][][]byte),
		kv:       make(map[string][]byte),
	}
}

// Publish records a core NATS publish.
func (p *MockPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return err
	}
	p.messages[subject] = append(p.messages[subject], append([]byte(nil), data...))
	return nil
}

// PublishToStream records a JetStream publish and returns its sequence.
func (p *MockPublisher) PublishToStream(_ context.Context, subject string, data []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return 0, err
	}
	p.seq++
	p.streamed[subject] = append(p.streamed[subject], append([]byte(nil), data...))
	return p.seq, nil
}

// EnsureStream records the stream configuration.
func (p *MockPublisher) EnsureStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	p.streams = append(p.streams, cfg)
	return nil, nil
}

// PutKV stores value under bucket/key.
func (p *MockPublisher) PutKV(_ context.Context, bucket, key string, value []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(); err != nil {
		return 0, err
	}
	p.kv[bucket+"/"+key] = append([]byte(nil), value...)
	return uint64(len(p.kv)), nil
}

// Flush counts calls.
func (p *MockPublisher) Flush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return p.check()
}

// Close marks the publisher closed.
func (p *MockPublisher) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *MockPublisher) check() error {
	if p.closed {
		return fmt.Errorf("publisher is closed")
	}
	return p.PublishErr
}

// Messages returns core publishes on subject.
func (p *MockPublisher) Messages(subject string) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([][]byte(nil), p.messages[subject]...)
}

// Streamed returns JetStream publishes on subject.
func (p *MockPublisher) Streamed(subject string) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([][]byte(nil), p.streamed[subject]...)
}

// Streams returns the stream configurations passed to EnsureStream.
func (p *MockPublisher) Streams() []jetstream.StreamConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]jetstream.StreamConfig(nil), p.streams...)
}

// KV returns the stored value for bucket/key.
func (p *MockPublisher) KV(bucket, key string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.kv[bucket+"/"+key]
	return v, ok
}

// Flushes returns how many times Flush was called.
func (p *MockPublisher) Flushes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flushes
}

// IsClosed reports whether Close was called.
func (p *MockPublisher) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
