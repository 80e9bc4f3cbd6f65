package sample

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/gazestream/errors"
)

// Stream defaults for a Gazepoint tracker.
const (
	DefaultStreamName   = "Gazepoint"
	DefaultStreamType   = "gaze"
	DefaultNominalRate  = 60.0
	DefaultFormat       = "float32"
	DefaultSourceID     = "gpuid12345"
	DefaultManufacturer = "Gazepoint"
)

// StreamInfo is announced once to every sink before the first sample.
type StreamInfo struct {
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	ChannelCount int       `json:"channel_count"`
	NominalRate  float64   `json:"nominal_rate"`
	Format       string    `json:"channel_format"`
	SourceID     string    `json:"source_id"`
	SessionID    string    `json:"session_id"`
	Manufacturer string    `json:"manufacturer"`
	Channels     []Channel `json:"channels"`
}

// NewStreamInfo returns the Gazepoint defaults for desc with a fresh session ID.
func NewStreamInfo(desc *Descriptor) StreamInfo {
	return StreamInfo{
		Name:         DefaultStreamName,
		Type:         DefaultStreamType,
		ChannelCount: desc.Len(),
		NominalRate:  DefaultNominalRate,
		Format:       DefaultFormat,
		SourceID:     DefaultSourceID,
		SessionID:    uuid.NewString(),
		Manufacturer: DefaultManufacturer,
		Channels:     desc.Channels(),
	}
}

// Validate checks the descriptor is self-consistent.
func (s StreamInfo) Validate() error {
	switch {
	case s.Name == "":
		return errors.WrapInvalid(fmt.Errorf("%w: stream name", errors.ErrMissingConfig),
			"StreamInfo", "Validate", "check name")
	case s.ChannelCount <= 0:
		return errors.WrapInvalid(fmt.Errorf("%w: channel count %d", errors.ErrInvalidConfig, s.ChannelCount),
			"StreamInfo", "Validate", "check channel count")
	case len(s.Channels) != 0 && len(s.Channels) != s.ChannelCount:
		return errors.WrapInvalid(
			fmt.Errorf("%w: %d channels described, count is %d", errors.ErrInvalidConfig, len(s.Channels), s.ChannelCount),
			"StreamInfo", "Validate", "check channel metadata")
	case s.NominalRate < 0:
		return errors.WrapInvalid(fmt.Errorf("%w: nominal rate %v", errors.ErrInvalidConfig, s.NominalRate),
			"StreamInfo", "Validate", "check rate")
	}
	return nil
}
