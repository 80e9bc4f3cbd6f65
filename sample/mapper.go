package sample

// TimestampField is the field read for the sample timestamp by default.
const TimestampField = "TIME"

// Sample is one fixed-width observation. len(Values) always equals the
// descriptor's channel count.
type Sample struct {
	// Seq counts samples within a run, starting at 1.
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp float64   `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// MapperOption configures a Mapper.
type MapperOption func(*Mapper)

// WithTimestampField reads the timestamp from name instead of TIME.
func WithTimestampField(name string) MapperOption {
	return func(m *Mapper) { m.tsField = name }
}

// WithDefault sets the value used for absent channels.
func WithDefault(v float64) MapperOption {
	return func(m *Mapper) { m.def = v }
}

// Mapper projects decoded fields onto a descriptor. It holds no per-call
// state and is safe for concurrent use.
type Mapper struct {
	desc    *Descriptor
	tsField string
	def     float64
}

// NewMapper returns a mapper for desc.
func NewMapper(desc *Descriptor, opts ...MapperOption) *Mapper {
	m := &Mapper{desc: desc, tsField: TimestampField}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Descriptor returns the layout the mapper fills.
func (m *Mapper) Descriptor() *Descriptor { return m.desc }

// MapToVector returns a new vector with one value per channel, in channel
// order. Channels absent from fields get the default value.
func (m *Mapper) MapToVector(fields map[string]float64) []float64 {
	out := make([]float64, len(m.desc.channels))
	for i, ch := range m.desc.channels {
		if v, ok := fields[ch.Name]; ok {
			out[i] = v
		} else {
			out[i] = m.def
		}
	}
	return out
}

// Timestamp returns the timestamp field, or 0 when absent.
func (m *Mapper) Timestamp(fields map[string]float64) float64 {
	return fields[m.tsField]
}

// Map builds a Sample from fields.
func (m *Mapper) Map(fields map[string]float64) Sample {
	return Sample{
		Timestamp: m.Timestamp(fields),
		Values:    m.MapToVector(fields),
	}
}
