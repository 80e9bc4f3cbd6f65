package testutil

import (
	"context"
	"sync"

	"github.com/c360/gazestream/sample"
)

// MemorySink records everything it receives.
type MemorySink struct {
	mu sync.Mutex

	Info       sample.StreamInfo
	Samples    []sample.Sample
	OpenCalls  int
	CloseCalls int

	// OpenErr is returned by Open. PushErr is returned by Push once
	// FailAfter samples have been accepted.
	OpenErr   error
	PushErr   error
	FailAfter int

	// OnPush runs before each push is recorded.
	OnPush func(sample.Sample)
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Open records the stream descriptor.
func (m *MemorySink) Open(_ context.Context, info sample.StreamInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	if m.OpenErr != nil {
		return m.OpenErr
	}
	m.Info = info
	return nil
}

// Push records a copy of s.
func (m *MemorySink) Push(_ context.Context, s sample.Sample) error {
	if m.OnPush != nil {
		m.OnPush(s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PushErr != nil && len(m.Samples) >= m.FailAfter {
		return m.PushErr
	}
	s.Values = append([]float64(nil), s.Values...)
	m.Samples = append(m.Samples, s)
	return nil
}

// Close counts calls.
func (m *MemorySink) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Received returns a copy of the recorded samples.
func (m *MemorySink) Received() []sample.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sample.Sample(nil), m.Samples...)
}

// Count returns how many samples were recorded.
func (m *MemorySink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Samples)
}
