// Package multi fans one sample stream out to several sinks.
package multi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/gazestream/bridge"
	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/sample"
)

// ErrNoOutputs means every entry has failed and samples would go nowhere.
var ErrNoOutputs = errors.New("no working output left")

// Entry is one destination. A failing optional entry is logged and
// skipped for the rest of the run; a failing required entry stops the
// stream.
type Entry struct {
	Name     string
	Sink     bridge.Sink
	Optional bool
}

type target struct {
	Entry
	open   bool
	failed bool
}

// Sink delivers every sample to each entry in order.
type Sink struct {
	targets []*target
	logger  *slog.Logger
}

// New returns a fan-out over entries. At least one entry is required.
func New(logger *slog.Logger, entries ...Entry) (*Sink, error) {
	if len(entries) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "New", "no outputs configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{logger: logger.With("component", "multi-sink")}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Sink == nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: output %q has no sink", errors.ErrMissingConfig, e.Name),
				"Sink", "New", "check entries")
		}
		if seen[e.Name] {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: duplicate output %q", errors.ErrInvalidConfig, e.Name),
				"Sink", "New", "check entries")
		}
		seen[e.Name] = true
		s.targets = append(s.targets, &target{Entry: e})
	}
	return s, nil
}

// Names returns the entry names in delivery order.
func (s *Sink) Names() []string {
	names := make([]string, len(s.targets))
	for i, t := range s.targets {
		names[i] = t.Name
	}
	return names
}

// Open opens every entry. If a required entry fails, the ones already
// opened are closed again.
func (s *Sink) Open(ctx context.Context, info sample.StreamInfo) error {
	for _, t := range s.targets {
		if err := t.Sink.Open(ctx, info); err != nil {
			if t.Optional {
				t.failed = true
				s.logger.Warn("Optional output failed to open", "output", t.Name, "error", err)
				continue
			}
			_ = s.Close(ctx)
			return errors.Wrap(err, "Sink", "Open", "open output "+t.Name)
		}
		t.open = true
	}
	if !s.healthy() {
		_ = s.Close(ctx)
		return errors.WrapFatal(ErrNoOutputs, "Sink", "Open", "open outputs")
	}
	return nil
}

func (s *Sink) healthy() bool {
	for _, t := range s.targets {
		if t.open && !t.failed {
			return true
		}
	}
	return false
}

// Push delivers s to every healthy entry. Once the last optional entry has
// failed Push returns ErrNoOutputs so the stream stops.
func (s *Sink) Push(ctx context.Context, smp sample.Sample) error {
	for _, t := range s.targets {
		if !t.open || t.failed {
			continue
		}
		if err := t.Sink.Push(ctx, smp); err != nil {
			if t.Optional {
				t.failed = true
				s.logger.Warn("Optional output failed, disabling it", "output", t.Name, "error", err)
				continue
			}
			return errors.Wrap(err, "Sink", "Push", "push to "+t.Name)
		}
	}
	if !s.healthy() {
		s.logger.Error("Every output has failed")
		return errors.WrapFatal(ErrNoOutputs, "Sink", "Push", "deliver sample")
	}
	return nil
}

// Close closes every opened entry and returns all close errors.
func (s *Sink) Close(ctx context.Context) error {
	var errs []error
	for _, t := range s.targets {
		if !t.open {
			continue
		}
		t.open = false
		if err := t.Sink.Close(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Sink", "Close", "close output "+t.Name))
		}
	}
	return errors.Join(errs...)
}
