package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gazestream/config"
	"github.com/c360/gazestream/output/file"
	"github.com/c360/gazestream/output/mebo"
	"github.com/c360/gazestream/sample"
	"github.com/c360/gazestream/testutil"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("GAZESTREAM_LOG_FORMAT", "text")

	cli, err := parseFlags([]string{"-c", "gaze.yaml", "-debug", "-shutdown-timeout", "3s"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "gaze.yaml", cli.ConfigPath)
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, "text", cli.LogFormat)
	assert.Equal(t, 3*time.Second, cli.ShutdownTimeout)

	_, err = parseFlags([]string{"-no-such-flag"}, io.Discard)
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}
	require.NoError(t, validateFlags(valid()))

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
	}{
		{"missing config file", func(c *CLIConfig) { c.ConfigPath = filepath.Join(t.TempDir(), "nope.json") }},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "trace" }},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }},
		{"zero shutdown timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := valid()
			tt.mutate(cli)
			assert.Error(t, validateFlags(cli))
		})
	}

	cli := valid()
	cli.LogLevel = "trace"
	cli.ShowVersion = true
	assert.NoError(t, validateFlags(cli))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "service=gazestream")

	buf.Reset()
	setupLogger(&buf, "debug", "json").Debug("detail")
	assert.Contains(t, buf.String(), `"source"`)
}

func TestPrintChannels(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printChannels(&buf, config.Defaults()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 40)
	assert.Contains(t, lines[1], "FPOGX")
	assert.Contains(t, lines[39], "HRP")
}

func TestDecoderFor(t *testing.T) {
	cfg := config.Defaults()
	desc, err := cfg.Descriptor()
	require.NoError(t, err)
	assert.Len(t, decoderFor(cfg, desc).Names(), 40)

	cfg.Stream.Channels = []sample.Channel{{Name: "FPOGX"}, {Name: "HR"}}
	desc, err = cfg.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, []string{"TIME", "FPOGX", "HR"}, decoderFor(cfg, desc).Names())
}

func TestBuildSinks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Defaults()
	cfg.Outputs.Mebo.Enabled = true
	cfg.Outputs.WebSocket.Enabled = true
	entries, err := buildSinks(cfg, nil, logger, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "file", entries[0].Name)
	assert.Equal(t, "mebo", entries[1].Name)
	assert.Equal(t, "websocket", entries[2].Name)
	assert.True(t, entries[2].Optional)

	cfg.Outputs.NATS.Enabled = true
	_, err = buildSinks(cfg, nil, logger, nil)
	assert.Error(t, err)
}

func TestServe_StreamsTrackerToFiles(t *testing.T) {
	tracker := testutil.NewFakeTracker(t,
		testutil.FullRec(0), testutil.FullRec(1), testutil.FullRec(2)).Start()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Tracker.Address = tracker.Addr()
	cfg.Tracker.DialTimeout = config.Duration(time.Second)
	cfg.Tracker.HandshakeTimeout = config.Duration(time.Second)
	cfg.Outputs.File.Directory = dir
	cfg.Outputs.Mebo.Enabled = true
	cfg.Outputs.Mebo.Directory = dir
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, serve(ctx, cfg, time.Second, logger))

	f, err := os.Open(filepath.Join(dir, "gazepoint.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], `{"info":`))

	set, err := mebo.OpenRecording(filepath.Join(dir, "gazepoint.mebo"))
	require.NoError(t, err)
	var hr []float64
	for _, v := range set.AllNumericValuesByName("HRP") {
		hr = append(hr, v)
	}
	assert.Equal(t, []float64{0, 1, 2}, hr)
}

func TestOutputs_SeparateInfoFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Outputs.File.Directory = dir
	cfg.Outputs.File.Format = file.FormatCSV
	cfg.Outputs.Mebo.Enabled = true
	cfg.Outputs.Mebo.Directory = dir

	csvOut, err := file.NewOutput(cfg.FileOutput(), nil, nil)
	require.NoError(t, err)
	rec, err := mebo.New(cfg.MeboOutput(), nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, csvOut.InfoPath(), rec.InfoPath())

	ctx := context.Background()
	info, err := cfg.StreamInfo()
	require.NoError(t, err)
	require.NoError(t, csvOut.Open(ctx, info))
	require.NoError(t, rec.Open(ctx, info))
	require.NoError(t, csvOut.Close(ctx))
	require.NoError(t, rec.Close(ctx))

	assert.FileExists(t, filepath.Join(dir, "gazepoint.csv.info.json"))
	assert.FileExists(t, filepath.Join(dir, "gazepoint.mebo.info.json"))
}

func TestServe_TrackerUnreachable(t *testing.T) {
	tracker := testutil.NewFakeTracker(t)
	addr := tracker.Addr()
	tracker.Close()

	cfg := config.Defaults()
	cfg.Tracker.Address = addr
	cfg.Tracker.DialTimeout = config.Duration(time.Second)
	cfg.Outputs.File.Directory = t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := serve(context.Background(), cfg, time.Second, logger)
	assert.Error(t, err)
}
