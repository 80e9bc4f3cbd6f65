// Package gazestream bridges a Gazepoint eye tracker to a multi-channel
// sample stream.
//
// # Architecture
//
// Data flows through four stages, one record at a time:
//
//	tracker TCP ──▶ opengaze.Framer ──▶ opengaze.Decoder ──▶ sample.Mapper ──▶ bridge.Sink
//
// The opengaze package dials Gazepoint Control (port 4242 by default),
// enables its data outputs and splits the byte stream into records ending in
// "/>\r\n". Each record is decoded into named numeric fields; fields that are
// absent or not numeric are left out. The sample package maps the fields onto
// a fixed channel layout (39 channels by default) and fills absent channels
// with 0, so every sample has the same width. The bridge package drives the
// loop and hands each sample to a sink before it reads the next record.
//
// # Outputs
//
// Sinks live under output/ and are combined with output/multi:
//
//   - output/natssink publishes samples and the stream descriptor to NATS, optionally through JetStream
//   - output/file writes JSON Lines or CSV
//   - output/mebo records columnar time-series blobs
//   - output/websocket broadcasts to browser viewers
//
// # Infrastructure
//
// errors classifies failures as transient, invalid or fatal. metric exposes
// Prometheus collectors and a /health endpoint backed by health.Monitor.
// config loads layered JSON, YAML or TOML files with GAZESTREAM_*
// environment overrides. cmd/gazestream wires everything together.
package gazestream
