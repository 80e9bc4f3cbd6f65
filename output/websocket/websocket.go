// Package websocket serves a live sample feed to browser clients.
//
// Every message is a JSON envelope. A client receives the stream descriptor
// as an "info" envelope right after connecting, then one "sample" envelope
// per sample. Each client has its own bounded send queue drained by a
// writer goroutine, so a slow client drops samples instead of stalling the
// bridge.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/gazestream/errors"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/sample"
)

// Envelope types.
const (
	TypeInfo   = "info"
	TypeSample = "sample"
)

const sinkName = "websocket"

// Config holds configuration for the websocket sink
type Config struct {
	Addr         string        `json:"addr" yaml:"addr" toml:"addr"`
	Path         string        `json:"path" yaml:"path" toml:"path"`
	SendBuffer   int           `json:"send_buffer" yaml:"send_buffer" toml:"send_buffer"`
	PingInterval time.Duration `json:"-" yaml:"-" toml:"-"`
	WriteTimeout time.Duration `json:"-" yaml:"-" toml:"-"`
}

// DefaultConfig returns default configuration for the websocket sink
func DefaultConfig() Config {
	return Config{
		Addr:         ":8090",
		Path:         "/stream",
		SendBuffer:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "addr is required")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path must start with /")
	}
	if c.SendBuffer < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "send_buffer must be positive")
	}
	return nil
}

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string          `json:"type"`
	ID        uint64          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload"`
}

type client struct {
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
	lastPong    atomic.Int64
	dropped     atomic.Int64
	closeOnce   sync.Once
	done        chan struct{}
}

// Metrics holds Prometheus metrics for the websocket sink
type Metrics struct {
	messagesSent       prometheus.Counter
	bytesSent          prometheus.Counter
	messagesDropped    prometheus.Counter
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	messageSizeBytes   prometheus.Histogram
}

// newMetrics returns nil when registry is nil.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total messages written to websocket clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to websocket clients",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because a client queue was full",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "message_size_bytes",
			Help:      "Size distribution of outgoing messages",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000},
		}),
	}

	_ = registry.RegisterCounter(sinkName, "messages_sent", m.messagesSent)
	_ = registry.RegisterCounter(sinkName, "bytes_sent", m.bytesSent)
	_ = registry.RegisterCounter(sinkName, "messages_dropped", m.messagesDropped)
	_ = registry.RegisterGauge(sinkName, "clients_connected", m.clientsConnected)
	_ = registry.RegisterCounter(sinkName, "client_connections", m.connectionTotal)
	_ = registry.RegisterCounterVec(sinkName, "client_disconnections", m.disconnectionTotal)
	_ = registry.RegisterHistogram(sinkName, "message_size", m.messageSizeBytes)
	return m
}

// Output broadcasts samples to websocket clients.
type Output struct {
	config      Config
	logger      *slog.Logger
	metrics     *Metrics
	coreMetrics *metric.Metrics
	upgrader    websocket.Upgrader

	server   *http.Server
	listener net.Listener

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	info     atomic.Pointer[[]byte] // info envelope sent to new clients
	nextID   atomic.Uint64
	opened   atomic.Bool
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOutput validates cfg and returns an unopened sink.
func NewOutput(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Output{
		config:      cfg,
		logger:      logger.With("component", "websocket-output"),
		metrics:     newMetrics(registry),
		coreMetrics: metric.Core(registry),
		upgrader: websocket.Upgrader{
			// viewers are served from arbitrary local origins
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients:  make(map[*client]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Handler returns the websocket endpoint handler.
func (w *Output) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.config.Path, w.handleWebSocket)
	return mux
}

// Addr returns the listening address once opened.
func (w *Output) Addr() string {
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Open starts the HTTP server and stores the descriptor for new clients.
func (w *Output) Open(_ context.Context, info sample.StreamInfo) error {
	if !w.opened.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Output", "Open", "check open state")
	}

	env, err := w.envelope(TypeInfo, info)
	if err != nil {
		return err
	}
	w.info.Store(&env)

	ln, err := net.Listen("tcp", w.config.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Output", "Open", "listen on "+w.config.Addr)
	}
	w.listener = ln
	w.server = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	w.wg.Add(2)
	go w.runServer()
	go w.maintainClients()

	w.logger.Info("WebSocket output listening", "addr", w.Addr(), "path", w.config.Path)
	return nil
}

func (w *Output) runServer() {
	defer w.wg.Done()
	if err := w.server.Serve(w.listener); err != nil && err != http.ErrServerClosed {
		w.logger.Error("WebSocket server failed", "error", err)
	}
}

func (w *Output) envelope(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Output", "envelope", "marshal "+typ)
	}
	env, err := json.Marshal(Envelope{
		Type:      typ,
		ID:        w.nextID.Add(1),
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Output", "envelope", "marshal envelope")
	}
	return env, nil
}

// Push queues the sample for every connected client. A client whose queue
// is full misses this sample.
func (w *Output) Push(_ context.Context, s sample.Sample) error {
	select {
	case <-w.shutdown:
		return errors.WrapFatal(errors.ErrSinkClosed, "Output", "Push", "check open state")
	default:
	}

	data, err := w.envelope(TypeSample, s)
	if err != nil {
		w.coreMetrics.RecordSinkError(sinkName)
		return err
	}

	w.clientsMu.RLock()
	for c := range w.clients {
		select {
		case c.send <- data:
		default:
			c.dropped.Add(1)
			if w.metrics != nil {
				w.metrics.messagesDropped.Inc()
			}
		}
	}
	w.clientsMu.RUnlock()

	w.coreMetrics.RecordSinkSample(sinkName)
	return nil
}

// Clients returns the number of connected clients.
func (w *Output) Clients() int {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	return len(w.clients)
}

func (w *Output) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.shutdown:
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:        conn,
		send:        make(chan []byte, w.config.SendBuffer),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())
	if info := w.info.Load(); info != nil {
		c.send <- *info
	}

	w.clientsMu.Lock()
	w.clients[c] = struct{}{}
	count := len(w.clients)
	w.clientsMu.Unlock()

	if w.metrics != nil {
		w.metrics.connectionTotal.Inc()
		w.metrics.clientsConnected.Set(float64(count))
	}
	w.logger.Debug("Client connected", "remote", conn.RemoteAddr().String(), "clients", count)

	w.wg.Add(2)
	go w.writePump(c)
	go w.readPump(c)

	// Close may have snapshotted the clients before this one was added
	select {
	case <-w.shutdown:
		w.removeClient(c, "shutdown")
	default:
	}
}

// readPump discards client messages and notices disconnects.
func (w *Output) readPump(c *client) {
	defer w.wg.Done()
	defer w.removeClient(c, "normal")

	c.conn.SetReadLimit(4096)
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *Output) writePump(c *client) {
	defer w.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := w.write(c, websocket.TextMessage, data); err != nil {
				w.removeClient(c, "write_error")
				return
			}
			if w.metrics != nil {
				w.metrics.messagesSent.Inc()
				w.metrics.bytesSent.Add(float64(len(data)))
				w.metrics.messageSizeBytes.Observe(float64(len(data)))
			}
		}
	}
}

// write is only called from the client's writer goroutine and the ping
// loop; gorilla allows one concurrent writer plus WriteControl.
func (w *Output) write(c *client, messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (w *Output) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		w.clientsMu.Lock()
		delete(w.clients, c)
		count := len(w.clients)
		w.clientsMu.Unlock()

		if w.metrics != nil {
			w.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
			w.metrics.clientsConnected.Set(float64(count))
		}
		_ = c.conn.Close()
		w.logger.Debug("Client disconnected",
			"reason", reason,
			"connected_for", time.Since(c.connectedAt).Truncate(time.Millisecond),
			"dropped", c.dropped.Load())
	})
}

// maintainClients pings clients and drops those that stopped answering.
func (w *Output) maintainClients() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.pingClients()
		}
	}
}

func (w *Output) pingClients() {
	w.clientsMu.RLock()
	list := make([]*client, 0, len(w.clients))
	for c := range w.clients {
		list = append(list, c)
	}
	w.clientsMu.RUnlock()

	deadline := time.Now().Add(w.config.WriteTimeout)
	for _, c := range list {
		if time.Since(time.Unix(0, c.lastPong.Load())) > 3*w.config.PingInterval {
			w.removeClient(c, "ping_timeout")
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			w.removeClient(c, "ping_error")
		}
	}
}

// Close disconnects all clients and stops the server.
func (w *Output) Close(ctx context.Context) error {
	if !w.opened.Load() {
		return nil
	}
	var err error
	w.stopOnce.Do(func() {
		close(w.shutdown)

		w.clientsMu.RLock()
		list := make([]*client, 0, len(w.clients))
		for c := range w.clients {
			list = append(list, c)
		}
		w.clientsMu.RUnlock()
		for _, c := range list {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
				time.Now().Add(time.Second))
			w.removeClient(c, "shutdown")
		}

		if serr := w.server.Shutdown(ctx); serr != nil {
			err = errors.WrapTransient(serr, "Output", "Close", "shutdown server")
		}

		waitCh := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
		case <-ctx.Done():
			err = errors.WrapTransient(fmt.Errorf("shutdown timeout: %w", ctx.Err()), "Output", "Close", "wait for clients")
		}
		w.logger.Info("WebSocket output closed")
	})
	return err
}
