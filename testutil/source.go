package testutil

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/c360/gazestream/opengaze"
)

// ScriptedSource returns its records in order, then End (io.EOF when nil).
// If Block is set it waits for Close instead of ending.
type ScriptedSource struct {
	mu      sync.Mutex
	records []string
	End     error
	Block   bool

	closed     chan struct{}
	closeOnce  sync.Once
	CloseCalls int
}

// NewScriptedSource returns a source yielding records.
func NewScriptedSource(records ...string) *ScriptedSource {
	return &ScriptedSource{
		records: records,
		closed:  make(chan struct{}),
	}
}

// ReadRecord implements the bridge source.
func (s *ScriptedSource) ReadRecord(ctx context.Context) (opengaze.Record, error) {
	s.mu.Lock()
	if len(s.records) > 0 {
		text := s.records[0]
		s.records = s.records[1:]
		s.mu.Unlock()
		return opengaze.Record{Text: text, Received: time.Now()}, nil
	}
	block, end := s.Block, s.End
	s.mu.Unlock()

	if block {
		select {
		case <-s.closed:
			if err := ctx.Err(); err != nil {
				return opengaze.Record{}, err
			}
			return opengaze.Record{}, io.ErrClosedPipe
		case <-ctx.Done():
			<-s.closed
			return opengaze.Record{}, ctx.Err()
		}
	}
	if end == nil {
		end = io.EOF
	}
	return opengaze.Record{}, end
}

// Close unblocks pending reads.
func (s *ScriptedSource) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *ScriptedSource) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
