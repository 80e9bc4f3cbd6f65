// Package file writes a sample stream to disk as JSON Lines or CSV.
//
// A JSON Lines file starts with one line holding the stream descriptor,
// followed by one object per sample. A CSV file has a header row of
// seq, timestamp and the channel labels; the descriptor goes to a
// "<prefix>.csv.info.json" file next to it. Writes are buffered and flushed when
// the buffer fills, once per flush interval, and on Close.
package file

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/sample"
)

// Supported formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

const sinkName = "file"

// Config holds configuration for the file sink
type Config struct {
	Directory     string        `json:"directory" yaml:"directory" toml:"directory"`
	FilePrefix    string        `json:"file_prefix" yaml:"file_prefix" toml:"file_prefix"`
	Format        string        `json:"format" yaml:"format" toml:"format"`
	Append        bool          `json:"append" yaml:"append" toml:"append"`
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size" toml:"buffer_size"`
	FlushInterval time.Duration `json:"-" yaml:"-" toml:"-"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "directory is required")
	}
	if c.FilePrefix == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "file_prefix is required")
	}
	if c.Format != FormatJSONL && c.Format != FormatCSV {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"format must be one of: jsonl, csv")
	}
	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"buffer_size cannot be negative")
	}
	return nil
}

// DefaultConfig returns default configuration for the file sink
func DefaultConfig() Config {
	return Config{
		Directory:     "./recordings",
		FilePrefix:    "gazepoint",
		Format:        FormatJSONL,
		Append:        false,
		BufferSize:    60,
		FlushInterval: time.Second,
	}
}

// Output writes samples to a file.
type Output struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	file     *os.File
	fileMu   sync.Mutex
	buffer   [][]byte
	bufferMu sync.Mutex
	csvBuf   bytes.Buffer
	csvW     *csv.Writer

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	opened    atomic.Bool

	samplesWritten atomic.Int64
	bytesWritten   atomic.Int64
	writeErrors    atomic.Int64
}

// NewOutput validates cfg and returns an unopened sink.
func NewOutput(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Output{
		config:   cfg,
		logger:   logger.With("component", "file-output"),
		metrics:  metric.Core(registry),
		buffer:   make([][]byte, 0, cfg.BufferSize),
		shutdown: make(chan struct{}),
	}
	o.csvW = csv.NewWriter(&o.csvBuf)
	return o, nil
}

// Path returns the sample file path.
func (o *Output) Path() string {
	return filepath.Join(o.config.Directory, o.config.FilePrefix+"."+o.config.Format)
}

// InfoPath returns where the CSV format stores the stream descriptor.
func (o *Output) InfoPath() string {
	return filepath.Join(o.config.Directory, o.config.FilePrefix+".csv.info.json")
}

// Open creates the file and writes the stream header.
func (o *Output) Open(_ context.Context, info sample.StreamInfo) error {
	if !o.opened.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Output", "Open", "check open state")
	}
	if err := os.MkdirAll(o.config.Directory, 0o755); err != nil {
		return errors.WrapFatal(err, "Output", "Open", "create output directory")
	}

	flags := os.O_CREATE | os.O_WRONLY
	if o.config.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(o.Path(), flags, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "Output", "Open", "open output file")
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.WrapFatal(err, "Output", "Open", "stat output file")
	}

	header, err := o.header(info, st.Size() == 0)
	if err != nil {
		_ = f.Close()
		return err
	}
	if len(header) > 0 {
		if _, err := f.Write(header); err != nil {
			_ = f.Close()
			return errors.WrapFatal(err, "Output", "Open", "write header")
		}
	}

	o.fileMu.Lock()
	o.file = f
	o.fileMu.Unlock()

	o.wg.Add(1)
	go o.flushLoop()

	o.logger.Info("File output opened",
		"path", o.Path(),
		"format", o.config.Format,
		"append", o.config.Append,
		"buffer_size", o.config.BufferSize)
	return nil
}

func (o *Output) header(info sample.StreamInfo, empty bool) ([]byte, error) {
	switch o.config.Format {
	case FormatCSV:
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return nil, errors.WrapInvalid(err, "Output", "Open", "marshal stream info")
		}
		if err := os.WriteFile(o.InfoPath(), append(data, '\n'), 0o644); err != nil {
			return nil, errors.WrapFatal(err, "Output", "Open", "write stream info")
		}
		if !empty {
			return nil, nil
		}
		row := make([]string, 0, len(info.Channels)+2)
		row = append(row, "seq", "timestamp")
		for _, ch := range info.Channels {
			row = append(row, ch.Name)
		}
		return o.csvLine(row)
	default:
		data, err := json.Marshal(struct {
			Info sample.StreamInfo `json:"info"`
		}{info})
		if err != nil {
			return nil, errors.WrapInvalid(err, "Output", "Open", "marshal stream info")
		}
		return append(data, '\n'), nil
	}
}

// csvLine is only called from the bridge goroutine.
func (o *Output) csvLine(row []string) ([]byte, error) {
	o.csvBuf.Reset()
	if err := o.csvW.Write(row); err != nil {
		return nil, errors.WrapInvalid(err, "Output", "Push", "encode csv row")
	}
	o.csvW.Flush()
	if err := o.csvW.Error(); err != nil {
		return nil, errors.WrapInvalid(err, "Output", "Push", "encode csv row")
	}
	return bytes.Clone(o.csvBuf.Bytes()), nil
}

func (o *Output) encode(s sample.Sample) ([]byte, error) {
	if o.config.Format == FormatCSV {
		row := make([]string, 0, len(s.Values)+2)
		row = append(row,
			strconv.FormatUint(s.Seq, 10),
			strconv.FormatFloat(s.Timestamp, 'g', -1, 64))
		for _, v := range s.Values {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		return o.csvLine(row)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Output", "Push", "marshal sample")
	}
	return append(data, '\n'), nil
}

// Push buffers one sample, flushing when the buffer is full.
func (o *Output) Push(_ context.Context, s sample.Sample) error {
	if !o.opened.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Output", "Push", "check open state")
	}
	select {
	case <-o.shutdown:
		return errors.WrapFatal(errors.ErrSinkClosed, "Output", "Push", "check open state")
	default:
	}

	line, err := o.encode(s)
	if err != nil {
		o.metrics.RecordSinkError(sinkName)
		return err
	}

	o.bufferMu.Lock()
	o.buffer = append(o.buffer, line)
	full := len(o.buffer) >= o.config.BufferSize
	o.bufferMu.Unlock()

	if full {
		return o.flush()
	}
	return nil
}

func (o *Output) flushLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.shutdown:
			return
		case <-ticker.C:
			if err := o.flush(); err != nil {
				o.logger.Error("Periodic flush failed", "error", err)
			}
		}
	}
}

// flush writes buffered lines to the file.
func (o *Output) flush() error {
	o.bufferMu.Lock()
	if len(o.buffer) == 0 {
		o.bufferMu.Unlock()
		return nil
	}
	lines := o.buffer
	o.buffer = make([][]byte, 0, o.config.BufferSize)
	o.bufferMu.Unlock()

	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	if o.file == nil {
		o.writeErrors.Add(int64(len(lines)))
		return errors.WrapFatal(errors.ErrSinkClosed, "Output", "flush", "write samples")
	}

	for _, line := range lines {
		n, err := o.file.Write(line)
		if err != nil {
			o.writeErrors.Add(1)
			o.metrics.RecordSinkError(sinkName)
			return errors.WrapFatal(err, "Output", "flush", "write samples")
		}
		o.samplesWritten.Add(1)
		o.bytesWritten.Add(int64(n))
		o.metrics.RecordSinkSample(sinkName)
	}
	o.logger.Debug("Flush completed", "samples", len(lines), "total", o.samplesWritten.Load())
	return nil
}

// Close stops the flush loop, writes what is buffered and closes the file.
// Close is idempotent.
func (o *Output) Close(ctx context.Context) error {
	if !o.opened.Load() {
		return nil
	}
	var err error
	o.closeOnce.Do(func() {
		close(o.shutdown)

		waitCh := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
		case <-ctx.Done():
			err = errors.WrapTransient(ctx.Err(), "Output", "Close", "wait for flush loop")
			return
		}

		err = o.flush()

		o.fileMu.Lock()
		if o.file != nil {
			if cerr := o.file.Close(); cerr != nil && err == nil {
				err = errors.WrapTransient(cerr, "Output", "Close", "close output file")
			}
			o.file = nil
		}
		o.fileMu.Unlock()

		o.logger.Info("File output closed",
			"path", o.Path(),
			"samples", o.samplesWritten.Load(),
			"bytes", o.bytesWritten.Load(),
			"errors", o.writeErrors.Load())
	})
	return err
}

// Written returns how many samples reached the file.
func (o *Output) Written() int64 { return o.samplesWritten.Load() }

func (o *Output) String() string {
	return fmt.Sprintf("file(%s)", o.Path())
}
