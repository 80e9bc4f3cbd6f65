// Package mebo records a sample stream as compact time-series blobs.
//
// Samples are buffered per channel and, every BatchSize samples, encoded
// into one mebo numeric blob: delta-encoded timestamps in tracker
// microseconds and Gorilla-encoded values, one metric per channel label.
// Blobs are appended to "<prefix>.mebo", each preceded by its length as a
// 4-byte big-endian integer. The stream descriptor goes to
// "<prefix>.mebo.info.json".
package mebo

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	mebolib "github.com/arloliu/mebo"
	"github.com/arloliu/mebo/blob"
	"github.com/arloliu/mebo/format"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/sample"
)

const sinkName = "mebo"

// MaxBatchSize is the most data points mebo stores per metric and blob.
const MaxBatchSize = math.MaxUint16

var compressions = map[string]format.CompressionType{
	"none": format.CompressionNone,
	"zstd": format.CompressionZstd,
	"s2":   format.CompressionS2,
	"lz4":  format.CompressionLZ4,
}

// Config holds configuration for the mebo recorder
type Config struct {
	Directory   string `json:"directory" yaml:"directory" toml:"directory"`
	FilePrefix  string `json:"file_prefix" yaml:"file_prefix" toml:"file_prefix"`
	BatchSize   int    `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Compression string `json:"compression" yaml:"compression" toml:"compression"`
}

// DefaultConfig returns default configuration for the mebo recorder
func DefaultConfig() Config {
	return Config{
		Directory:   "./recordings",
		FilePrefix:  "gazepoint",
		BatchSize:   600,
		Compression: "zstd",
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "directory is required")
	}
	if c.FilePrefix == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "file_prefix is required")
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: batch_size must be 1..%d", errors.ErrInvalidConfig, MaxBatchSize),
			"Config", "Validate", "check batch size")
	}
	if _, ok := compressions[c.Compression]; !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: compression must be none, zstd, s2 or lz4", errors.ErrInvalidConfig),
			"Config", "Validate", "check compression")
	}
	return nil
}

// Recorder is a sink that writes mebo blobs.
type Recorder struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics
	opts    []blob.NumericEncoderOption

	mu         sync.Mutex
	file       *os.File
	w          *bufio.Writer
	names      []string
	timestamps []int64
	columns    [][]float64
	batchStart time.Time
	blobs      int
	samples    int64
	closed     bool
}

// New validates cfg and returns an unopened recorder.
func New(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	comp := compressions[cfg.Compression]
	return &Recorder{
		config:  cfg,
		logger:  logger.With("component", "mebo-recorder"),
		metrics: metric.Core(registry),
		opts: []blob.NumericEncoderOption{
			blob.WithLittleEndian(),
			blob.WithTimestampEncoding(format.TypeDelta),
			blob.WithTimestampCompression(comp),
			blob.WithValueEncoding(format.TypeGorilla),
			blob.WithValueCompression(comp),
		},
	}, nil
}

// Path returns the blob file path.
func (r *Recorder) Path() string {
	return filepath.Join(r.config.Directory, r.config.FilePrefix+".mebo")
}

// InfoPath returns the stream descriptor path.
func (r *Recorder) InfoPath() string {
	return filepath.Join(r.config.Directory, r.config.FilePrefix+".mebo.info.json")
}

// Open creates the output files.
func (r *Recorder) Open(_ context.Context, info sample.StreamInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil || r.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Recorder", "Open", "check open state")
	}
	if len(info.Channels) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Recorder", "Open", "stream info has no channels")
	}
	if err := os.MkdirAll(r.config.Directory, 0o755); err != nil {
		return errors.WrapFatal(err, "Recorder", "Open", "create output directory")
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Recorder", "Open", "marshal stream info")
	}
	if err := os.WriteFile(r.InfoPath(), append(data, '\n'), 0o644); err != nil {
		return errors.WrapFatal(err, "Recorder", "Open", "write stream info")
	}

	f, err := os.Create(r.Path())
	if err != nil {
		return errors.WrapFatal(err, "Recorder", "Open", "create blob file")
	}
	r.file = f
	r.w = bufio.NewWriter(f)

	r.names = make([]string, len(info.Channels))
	r.columns = make([][]float64, len(info.Channels))
	for i, ch := range info.Channels {
		r.names[i] = ch.Name
		r.columns[i] = make([]float64, 0, r.config.BatchSize)
	}
	r.timestamps = make([]int64, 0, r.config.BatchSize)

	r.logger.Info("Mebo recorder opened",
		"path", r.Path(),
		"batch_size", r.config.BatchSize,
		"compression", r.config.Compression)
	return nil
}

// Push buffers a sample and writes a blob when the batch is full.
func (r *Recorder) Push(_ context.Context, s sample.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.WrapFatal(errors.ErrSinkClosed, "Recorder", "Push", "check open state")
	}
	if r.file == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Recorder", "Push", "check open state")
	}
	if len(s.Values) != len(r.columns) {
		r.metrics.RecordSinkError(sinkName)
		return errors.WrapInvalid(
			fmt.Errorf("%w: sample has %d values, stream has %d channels", errors.ErrInvalidData, len(s.Values), len(r.columns)),
			"Recorder", "Push", "check sample width")
	}

	if len(r.timestamps) == 0 {
		// blob sets order by start time, keep it strictly increasing
		now := time.Now().Truncate(time.Microsecond)
		if !now.After(r.batchStart) {
			now = r.batchStart.Add(time.Microsecond)
		}
		r.batchStart = now
	}
	r.timestamps = append(r.timestamps, int64(math.Round(s.Timestamp*1e6)))
	for i, v := range s.Values {
		r.columns[i] = append(r.columns[i], v)
	}
	r.samples++
	r.metrics.RecordSinkSample(sinkName)

	if len(r.timestamps) >= r.config.BatchSize {
		return r.writeBatch()
	}
	return nil
}

// writeBatch encodes the buffered samples. Caller holds mu.
func (r *Recorder) writeBatch() error {
	n := len(r.timestamps)
	if n == 0 {
		return nil
	}

	enc, err := mebolib.NewNumericEncoder(r.batchStart, r.opts...)
	if err != nil {
		return errors.WrapFatal(err, "Recorder", "writeBatch", "create encoder")
	}
	for i, name := range r.names {
		if err := enc.StartMetricName(name, n); err != nil {
			return errors.WrapFatal(err, "Recorder", "writeBatch", "start metric "+name)
		}
		if err := enc.AddDataPoints(r.timestamps, r.columns[i], nil); err != nil {
			return errors.WrapFatal(err, "Recorder", "writeBatch", "add points for "+name)
		}
		if err := enc.EndMetric(); err != nil {
			return errors.WrapFatal(err, "Recorder", "writeBatch", "end metric "+name)
		}
	}
	data, err := enc.Finish()
	if err != nil {
		return errors.WrapFatal(err, "Recorder", "writeBatch", "finish blob")
	}

	if err := writeFrame(r.w, data); err != nil {
		r.metrics.RecordSinkError(sinkName)
		return errors.WrapFatal(err, "Recorder", "writeBatch", "write blob")
	}
	if err := r.w.Flush(); err != nil {
		r.metrics.RecordSinkError(sinkName)
		return errors.WrapFatal(err, "Recorder", "writeBatch", "flush blob")
	}

	r.blobs++
	r.timestamps = r.timestamps[:0]
	for i := range r.columns {
		r.columns[i] = r.columns[i][:0]
	}
	r.logger.Debug("Blob written", "samples", n, "bytes", len(data), "blobs", r.blobs)
	return nil
}

// Close writes the partial batch and closes the file.
func (r *Recorder) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.file == nil {
		r.closed = true
		return nil
	}
	r.closed = true

	err := r.writeBatch()
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = errors.WrapTransient(cerr, "Recorder", "Close", "close blob file")
	}
	r.file = nil
	r.logger.Info("Mebo recorder closed", "samples", r.samples, "blobs", r.blobs)
	return err
}

// Blobs returns how many blobs have been written.
func (r *Recorder) Blobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blobs
}

func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadBlobs returns the raw blobs stored in a recording.
func ReadBlobs(rd io.Reader) ([][]byte, error) {
	br := bufio.NewReader(rd)
	var out [][]byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDataCorrupted, err), "mebo", "ReadBlobs", "read frame header")
		}
		data := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(br, data); err != nil {
			return out, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDataCorrupted, err), "mebo", "ReadBlobs", "read frame body")
		}
		out = append(out, data)
	}
}

// OpenRecording reads a recording into a blob set for querying by channel label.
func OpenRecording(path string) (blob.BlobSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return blob.BlobSet{}, errors.WrapInvalid(err, "mebo", "OpenRecording", "open recording")
	}
	defer f.Close()

	blobs, err := ReadBlobs(f)
	if err != nil {
		return blob.BlobSet{}, err
	}
	set, err := blob.DecodeBlobSet(blobs...)
	if err != nil {
		return blob.BlobSet{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDataCorrupted, err), "mebo", "OpenRecording", "decode blobs")
	}
	return set, nil
}
