// Package sample defines the multi-channel sample stream produced from
// tracker records: the channel layout, the stream descriptor published once
// per run, and the Mapper that turns decoded fields into fixed-width samples.
package sample

import (
	"fmt"

	"github.com/c360/gazestream/errors"
)

// Channel describes one position in a sample vector.
type Channel struct {
	Name string `json:"label" yaml:"label" toml:"label"`
	Unit string `json:"unit" yaml:"unit" toml:"unit"`
	Type string `json:"type" yaml:"type" toml:"type"`
}

var defaultChannels = [...]Channel{
	{"FPOGX", "percent", "gaze"},
	{"FPOGY", "percent", "gaze"},
	{"FPOGS", "seconds", "gaze"},
	{"FPOGD", "seconds", "gaze"},
	{"FPOGID", "integer", "gaze"},
	{"FPOGV", "boolean", "gaze"},

	{"LPOGX", "percent", "gaze"},
	{"LPOGY", "percent", "gaze"},
	{"LPOGV", "boolean", "gaze"},

	{"RPOGX", "percent", "gaze"},
	{"RPOGY", "percent", "gaze"},
	{"RPOGV", "boolean", "gaze"},

	{"BPOGX", "percent", "gaze"},
	{"BPOGY", "percent", "gaze"},
	{"BPOGV", "boolean", "gaze"},

	{"LPCX", "percent", "gaze"},
	{"LPCY", "percent", "gaze"},
	{"LPD", "float", "diameter"},
	{"LPS", "unitless", "gaze"},
	{"LPV", "boolean", "gaze"},

	{"RPCX", "percent", "gaze"},
	{"RPCY", "percent", "gaze"},
	{"RPD", "float", "diameter"},
	{"RPS", "unitless", "gaze"},
	{"RPV", "boolean", "gaze"},

	{"BKID", "integer", "blink"},
	{"BKDUR", "seconds", "blink"},
	{"BKPMIN", "integer", "blink"},

	{"LPMM", "float", "diameter"},
	{"LPMMV", "boolean", "pupil"},
	{"RPMM", "float", "diameter"},
	{"RPMMV", "boolean", "pupil"},

	{"DIAL", "float", "dial"},
	{"DIALV", "boolean", "dial"},
	{"GSR", "float", "gsr"},
	{"GSRV", "boolean", "gsr"},
	{"HR", "float", "hr"},
	{"HRV", "boolean", "hr"},
	{"HRP", "integer", "pulse"},
}

// DefaultChannels returns the 39 Gazepoint channels in stream order.
func DefaultChannels() []Channel {
	out := make([]Channel, len(defaultChannels))
	copy(out, defaultChannels[:])
	return out
}

// Descriptor is an immutable, ordered channel layout.
type Descriptor struct {
	channels []Channel
	index    map[string]int
}

// NewDescriptor validates channels and builds a descriptor. Names must be
// non-empty and unique.
func NewDescriptor(channels []Channel) (*Descriptor, error) {
	if len(channels) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no channels", errors.ErrInvalidConfig),
			"sample", "NewDescriptor", "validate channels")
	}

	d := &Descriptor{
		channels: make([]Channel, len(channels)),
		index:    make(map[string]int, len(channels)),
	}
	for i, ch := range channels {
		if ch.Name == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: channel %d has no name", errors.ErrInvalidConfig, i),
				"sample", "NewDescriptor", "validate channels")
		}
		if prev, dup := d.index[ch.Name]; dup {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: channel %q at %d and %d", errors.ErrInvalidConfig, ch.Name, prev, i),
				"sample", "NewDescriptor", "validate channels")
		}
		d.index[ch.Name] = i
		d.channels[i] = ch
	}
	return d, nil
}

// DefaultDescriptor returns the descriptor for DefaultChannels.
func DefaultDescriptor() *Descriptor {
	d, err := NewDescriptor(DefaultChannels())
	if err != nil {
		panic(err)
	}
	return d
}

// Len returns the number of channels.
func (d *Descriptor) Len() int { return len(d.channels) }

// Channels returns a copy of the channel layout.
func (d *Descriptor) Channels() []Channel {
	out := make([]Channel, len(d.channels))
	copy(out, d.channels)
	return out
}

// Names returns the channel names in order.
func (d *Descriptor) Names() []string {
	out := make([]string, len(d.channels))
	for i, ch := range d.channels {
		out[i] = ch.Name
	}
	return out
}

// Index returns the position of the named channel.
func (d *Descriptor) Index(name string) (int, bool) {
	i, ok := d.index[name]
	return i, ok
}

// Channel returns the channel at position i.
func (d *Descriptor) Channel(i int) Channel {
	return d.channels[i]
}
