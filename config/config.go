// Package config loads gazestream configuration.
//
// Configuration is built in layers: built-in defaults, then each file added
// with Loader.AddLayer (JSON, YAML or TOML, chosen by extension) deep-merged
// over the previous result, then GAZESTREAM_* environment overrides. Only
// keys present in a file override earlier layers.
//
//	tracker:
//	  address: 192.168.1.20:4242
//	  read_timeout: 5s
//	outputs:
//	  file:
//	    enabled: true
//	    format: csv
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/natsclient"
	"github.com/c360/gazestream/opengaze"
	"github.com/c360/gazestream/output/file"
	"github.com/c360/gazestream/output/mebo"
	"github.com/c360/gazestream/output/natssink"
	"github.com/c360/gazestream/output/websocket"
	"github.com/c360/gazestream/sample"
)

// Config represents the complete application configuration
type Config struct {
	Tracker TrackerConfig `json:"tracker"`
	Stream  StreamConfig  `json:"stream"`
	NATS    NATSConfig    `json:"nats"`
	Outputs OutputsConfig `json:"outputs"`
	Metrics MetricsConfig `json:"metrics"`
}

// TrackerConfig describes the Open Gaze server connection.
type TrackerConfig struct {
	Address          string   `json:"address"`
	DialTimeout      Duration `json:"dial_timeout"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
	ReadTimeout      Duration `json:"read_timeout"` // 0 waits forever
	MaxRecordBytes   int      `json:"max_record_bytes"`
	Enable           []string `json:"enable,omitempty"` // output groups, e.g. POG_FIX
}

// StreamConfig describes the published sample stream.
type StreamConfig struct {
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	SourceID     string           `json:"source_id"`
	Manufacturer string           `json:"manufacturer"`
	NominalRate  float64          `json:"nominal_rate"`
	Channels     []sample.Channel `json:"channels,omitempty"` // empty means the Gazepoint defaults
	AcceptTags   []string         `json:"accept_tags,omitempty"`
	Echo         bool             `json:"echo"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait Duration      `json:"reconnect_wait"`
	Timeout       Duration      `json:"timeout"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// OutputsConfig lists the sinks. Enabled outputs receive every sample;
// a failing optional output is disabled instead of stopping the stream.
type OutputsConfig struct {
	NATS      NATSOutputConfig      `json:"nats"`
	File      FileOutputConfig      `json:"file"`
	Mebo      MeboOutputConfig      `json:"mebo"`
	WebSocket WebSocketOutputConfig `json:"websocket"`
}

// NATSOutputConfig configures the NATS sink.
type NATSOutputConfig struct {
	Enabled    bool     `json:"enabled"`
	Optional   bool     `json:"optional"`
	Subject    string   `json:"subject"`
	JetStream  bool     `json:"jetstream"`
	StreamName string   `json:"stream_name"`
	MaxAge     Duration `json:"max_age"`
	InfoBucket string   `json:"info_bucket"`
}

// FileOutputConfig configures the JSON Lines / CSV sink.
type FileOutputConfig struct {
	Enabled       bool     `json:"enabled"`
	Optional      bool     `json:"optional"`
	Directory     string   `json:"directory"`
	FilePrefix    string   `json:"file_prefix"`
	Format        string   `json:"format"`
	Append        bool     `json:"append"`
	BufferSize    int      `json:"buffer_size"`
	FlushInterval Duration `json:"flush_interval"`
}

// MeboOutputConfig configures the time-series blob recorder.
type MeboOutputConfig struct {
	Enabled     bool   `json:"enabled"`
	Optional    bool   `json:"optional"`
	Directory   string `json:"directory"`
	FilePrefix  string `json:"file_prefix"`
	BatchSize   int    `json:"batch_size"`
	Compression string `json:"compression"`
}

// WebSocketOutputConfig configures the live viewer feed.
type WebSocketOutputConfig struct {
	Enabled      bool     `json:"enabled"`
	Optional     bool     `json:"optional"`
	Addr         string   `json:"addr"`
	Path         string   `json:"path"`
	SendBuffer   int      `json:"send_buffer"`
	PingInterval Duration `json:"ping_interval"`
}

// MetricsConfig configures the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// Defaults returns the built-in configuration: the local tracker, the 39
// Gazepoint channels and a JSON Lines file output.
func Defaults() *Config {
	fileCfg := file.DefaultConfig()
	meboCfg := mebo.DefaultConfig()
	natsCfg := natssink.DefaultConfig()
	wsCfg := websocket.DefaultConfig()

	return &Config{
		Tracker: TrackerConfig{
			Address:          opengaze.DefaultAddress,
			DialTimeout:      Duration(5 * time.Second),
			HandshakeTimeout: Duration(5 * time.Second),
		},
		Stream: StreamConfig{
			Name:         sample.DefaultStreamName,
			Type:         sample.DefaultStreamType,
			SourceID:     sample.DefaultSourceID,
			Manufacturer: sample.DefaultManufacturer,
			NominalRate:  sample.DefaultNominalRate,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "gazestream",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
		},
		Outputs: OutputsConfig{
			NATS: NATSOutputConfig{
				Subject:    natsCfg.Subject,
				JetStream:  natsCfg.JetStream,
				StreamName: natsCfg.StreamName,
				MaxAge:     Duration(natsCfg.MaxAge),
				InfoBucket: natsCfg.InfoBucket,
			},
			File: FileOutputConfig{
				Enabled:       true,
				Directory:     fileCfg.Directory,
				FilePrefix:    fileCfg.FilePrefix,
				Format:        fileCfg.Format,
				Append:        fileCfg.Append,
				BufferSize:    fileCfg.BufferSize,
				FlushInterval: Duration(fileCfg.FlushInterval),
			},
			Mebo: MeboOutputConfig{
				Directory:   meboCfg.Directory,
				FilePrefix:  meboCfg.FilePrefix,
				BatchSize:   meboCfg.BatchSize,
				Compression: meboCfg.Compression,
			},
			WebSocket: WebSocketOutputConfig{
				Optional:     true,
				Addr:         wsCfg.Addr,
				Path:         wsCfg.Path,
				SendBuffer:   wsCfg.SendBuffer,
				PingInterval: Duration(wsCfg.PingInterval),
			},
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "check configuration")
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := c.validateTracker(); err != nil {
		return err
	}
	if err := c.validateStream(); err != nil {
		return err
	}

	o := c.Outputs
	if !o.NATS.Enabled && !o.File.Enabled && !o.Mebo.Enabled && !o.WebSocket.Enabled {
		return invalid("no output enabled")
	}
	if o.NATS.Enabled {
		if len(c.NATS.URLs) == 0 {
			return invalid("outputs.nats requires nats.urls")
		}
		if c.NATS.Timeout <= 0 {
			return invalid("nats.timeout must be positive")
		}
		nc := c.NATSSink()
		if err := nc.Validate(); err != nil {
			return err
		}
	}
	if o.File.Enabled {
		fc := c.FileOutput()
		if err := fc.Validate(); err != nil {
			return err
		}
	}
	if o.Mebo.Enabled {
		mc := c.MeboOutput()
		if err := mc.Validate(); err != nil {
			return err
		}
	}
	if o.WebSocket.Enabled {
		wc := c.WebSocketOutput()
		if err := wc.Validate(); err != nil {
			return err
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return invalid("metrics.addr is required")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || c.Metrics.Path == "/health" {
			return invalid("metrics.path %q must start with / and not be /health", c.Metrics.Path)
		}
	}
	return nil
}

func (c *Config) validateTracker() error {
	t := c.Tracker
	if _, _, err := net.SplitHostPort(t.Address); err != nil {
		return invalid("tracker.address %q: %v", t.Address, err)
	}
	if t.DialTimeout < 0 || t.HandshakeTimeout < 0 || t.ReadTimeout < 0 {
		return invalid("tracker timeouts cannot be negative")
	}
	if t.MaxRecordBytes < 0 {
		return invalid("tracker.max_record_bytes cannot be negative")
	}
	if len(t.Enable) > 0 {
		if _, err := opengaze.CommandsFor(t.Enable); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateStream() error {
	if _, err := c.Descriptor(); err != nil {
		return err
	}
	info, err := c.StreamInfo()
	if err != nil {
		return err
	}
	return info.Validate()
}

// Session returns the tracker connection settings.
func (c *Config) Session() opengaze.SessionConfig {
	return opengaze.SessionConfig{
		Address:          c.Tracker.Address,
		DialTimeout:      c.Tracker.DialTimeout.D(),
		HandshakeTimeout: c.Tracker.HandshakeTimeout.D(),
		ReadTimeout:      c.Tracker.ReadTimeout.D(),
		MaxRecordBytes:   c.Tracker.MaxRecordBytes,
		Groups:           c.Tracker.Enable,
	}
}

// Descriptor returns the configured channel layout.
func (c *Config) Descriptor() (*sample.Descriptor, error) {
	if len(c.Stream.Channels) == 0 {
		return sample.DefaultDescriptor(), nil
	}
	return sample.NewDescriptor(c.Stream.Channels)
}

// StreamInfo returns a descriptor for a new session.
func (c *Config) StreamInfo() (sample.StreamInfo, error) {
	desc, err := c.Descriptor()
	if err != nil {
		return sample.StreamInfo{}, err
	}
	info := sample.NewStreamInfo(desc)
	info.Name = c.Stream.Name
	info.Type = c.Stream.Type
	info.SourceID = c.Stream.SourceID
	info.Manufacturer = c.Stream.Manufacturer
	info.NominalRate = c.Stream.NominalRate
	return info, nil
}

// NATSClientOptions returns options for natsclient.NewClient.
func (c *Config) NATSClientOptions() []natsclient.ClientOption {
	n := c.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(n.Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait.D()),
	}
	if n.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.Timeout.D()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(n.TLS.CertFile, n.TLS.KeyFile, n.TLS.CAFile))
	}
	return opts
}

// NATSURL joins the server list the way nats.Connect expects.
func (c *Config) NATSURL() string {
	return strings.Join(c.NATS.URLs, ",")
}

// NATSSink returns the NATS sink settings.
func (c *Config) NATSSink() natssink.Config {
	o := c.Outputs.NATS
	return natssink.Config{
		Subject:    o.Subject,
		JetStream:  o.JetStream,
		StreamName: o.StreamName,
		MaxAge:     o.MaxAge.D(),
		InfoBucket: o.InfoBucket,
	}
}

// FileOutput returns the file sink settings.
func (c *Config) FileOutput() file.Config {
	o := c.Outputs.File
	return file.Config{
		Directory:     o.Directory,
		FilePrefix:    o.FilePrefix,
		Format:        o.Format,
		Append:        o.Append,
		BufferSize:    o.BufferSize,
		FlushInterval: o.FlushInterval.D(),
	}
}

// MeboOutput returns the recorder settings.
func (c *Config) MeboOutput() mebo.Config {
	o := c.Outputs.Mebo
	return mebo.Config{
		Directory:   o.Directory,
		FilePrefix:  o.FilePrefix,
		BatchSize:   o.BatchSize,
		Compression: o.Compression,
	}
}

// WebSocketOutput returns the viewer feed settings.
func (c *Config) WebSocketOutput() websocket.Config {
	o := c.Outputs.WebSocket
	cfg := websocket.DefaultConfig()
	cfg.Addr = o.Addr
	cfg.Path = o.Path
	cfg.SendBuffer = o.SendBuffer
	if o.PingInterval > 0 {
		cfg.PingInterval = o.PingInterval.D()
	}
	return cfg
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
