package file

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/sample"
)

func testInfo(t *testing.T) sample.StreamInfo {
	t.Helper()
	desc, err := sample.NewDescriptor([]sample.Channel{
		{Name: "FPOGX", Unit: "percent", Type: "gaze"},
		{Name: "FPOGY", Unit: "percent", Type: "gaze"},
	})
	require.NoError(t, err)
	return sample.NewStreamInfo(desc)
}

func testConfig(t *testing.T, format string) Config {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	cfg.Format = format
	cfg.BufferSize = 2
	cfg.FlushInterval = time.Hour
	return cfg
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no directory", func(c *Config) { c.Directory = "" }},
		{"no prefix", func(c *Config) { c.FilePrefix = "" }},
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"negative buffer", func(c *Config) { c.BufferSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestOutput_JSONL(t *testing.T) {
	ctx := context.Background()
	registry := metric.NewMetricsRegistry()
	out, err := NewOutput(testConfig(t, FormatJSONL), nil, registry)
	require.NoError(t, err)

	info := testInfo(t)
	require.NoError(t, out.Open(ctx, info))
	for i := 1; i <= 3; i++ {
		require.NoError(t, out.Push(ctx, sample.Sample{Seq: uint64(i), Timestamp: float64(i) / 2, Values: []float64{0.1, 0.2}}))
	}
	// two samples flushed by size, the third is still buffered
	assert.Equal(t, int64(2), out.Written())
	require.NoError(t, out.Close(ctx))
	assert.Equal(t, int64(3), out.Written())

	lines := readLines(t, out.Path())
	require.Len(t, lines, 4)

	var header struct {
		Info sample.StreamInfo `json:"info"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &header))
	assert.Equal(t, info.SessionID, header.Info.SessionID)
	assert.Equal(t, 2, header.Info.ChannelCount)

	var s sample.Sample
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &s))
	assert.Equal(t, uint64(3), s.Seq)
	assert.Equal(t, 1.5, s.Timestamp)
	assert.Equal(t, []float64{0.1, 0.2}, s.Values)

	assert.Equal(t, 3.0, testutil.ToFloat64(registry.CoreMetrics().SinkSamples.WithLabelValues("file")))
}

func TestOutput_CSV(t *testing.T) {
	ctx := context.Background()
	out, err := NewOutput(testConfig(t, FormatCSV), nil, nil)
	require.NoError(t, err)

	require.NoError(t, out.Open(ctx, testInfo(t)))
	require.NoError(t, out.Push(ctx, sample.Sample{Seq: 1, Timestamp: 1.5, Values: []float64{0.2, 0.8}}))
	require.NoError(t, out.Close(ctx))

	f, err := os.Open(out.Path())
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"seq", "timestamp", "FPOGX", "FPOGY"},
		{"1", "1.5", "0.2", "0.8"},
	}, rows)

	data, err := os.ReadFile(out.InfoPath())
	require.NoError(t, err)
	var info sample.StreamInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "Gazepoint", info.Name)
}

func TestOutput_CSVAppendKeepsSingleHeader(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, FormatCSV)
	cfg.Append = true

	for run := 0; run < 2; run++ {
		out, err := NewOutput(cfg, nil, nil)
		require.NoError(t, err)
		require.NoError(t, out.Open(ctx, testInfo(t)))
		require.NoError(t, out.Push(ctx, sample.Sample{Seq: 1, Values: []float64{0, 0}}))
		require.NoError(t, out.Close(ctx))
	}

	lines := readLines(t, (&Output{config: cfg}).Path())
	assert.Len(t, lines, 3)
	assert.Equal(t, "seq,timestamp,FPOGX,FPOGY", lines[0])
}

func TestOutput_PeriodicFlush(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, FormatJSONL)
	cfg.BufferSize = 100
	cfg.FlushInterval = 10 * time.Millisecond

	out, err := NewOutput(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, out.Open(ctx, testInfo(t)))
	require.NoError(t, out.Push(ctx, sample.Sample{Seq: 1, Values: []float64{1, 2}}))

	assert.Eventually(t, func() bool { return out.Written() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, out.Close(ctx))
}

func TestOutput_Lifecycle(t *testing.T) {
	ctx := context.Background()
	out, err := NewOutput(testConfig(t, FormatJSONL), nil, nil)
	require.NoError(t, err)

	err = out.Push(ctx, sample.Sample{})
	assert.ErrorIs(t, err, errors.ErrNotStarted)
	assert.NoError(t, out.Close(ctx), "closing an unopened sink is a no-op")

	require.NoError(t, out.Open(ctx, testInfo(t)))
	assert.ErrorIs(t, out.Open(ctx, testInfo(t)), errors.ErrAlreadyStarted)

	require.NoError(t, out.Close(ctx))
	require.NoError(t, out.Close(ctx))

	err = out.Push(ctx, sample.Sample{})
	assert.ErrorIs(t, err, errors.ErrSinkClosed)
}
