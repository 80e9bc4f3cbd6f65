package opengaze

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/gazestream/errors"
)

// DefaultAddress is where Gazepoint Control listens.
const DefaultAddress = "127.0.0.1:4242"

// SessionConfig describes a tracker connection.
type SessionConfig struct {
	Address          string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the wait for each record once streaming.
	// Zero blocks until the tracker sends or closes.
	ReadTimeout    time.Duration
	MaxRecordBytes int
	// Groups lists the output groups to enable. Empty means DefaultGroups.
	Groups []string
}

// Session is an established, handshaken tracker connection.
type Session struct {
	conn   net.Conn
	framer *Framer
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the tracker, enables the configured outputs and returns a
// session ready to stream records. The device connection is not retried.
func Connect(ctx context.Context, cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default().With("component", "opengaze")
	}
	addr := cfg.Address
	if addr == "" {
		addr = DefaultAddress
	}

	groups := cfg.Groups
	if len(groups) == 0 {
		groups = defaultGroups
	}
	cmds, err := CommandsFor(groups)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrNoConnection, err),
			"opengaze", "Connect", "dial "+addr)
	}
	logger.Info("Connected to tracker", "address", addr)

	s := NewSession(conn, logger,
		WithReadTimeout(cfg.HandshakeTimeout),
		WithMaxRecordBytes(cfg.MaxRecordBytes))

	if err := Handshake(ctx, conn, s.framer, cmds, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.framer.SetReadTimeout(cfg.ReadTimeout)
	logger.Info("Tracker streaming enabled", "commands", len(cmds))
	return s, nil
}

// NewSession wraps an already connected transport without sending any
// commands.
func NewSession(conn net.Conn, logger *slog.Logger, opts ...FramerOption) *Session {
	if logger == nil {
		logger = slog.Default().With("component", "opengaze")
	}
	return &Session{
		conn:   conn,
		framer: NewFramer(conn, opts...),
		logger: logger,
	}
}

// ReadRecord returns the next record from the tracker.
func (s *Session) ReadRecord(ctx context.Context) (Record, error) {
	return s.framer.ReadRecord(ctx)
}

// Close closes the transport. It unblocks a pending ReadRecord and is safe
// to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// RemoteAddr reports the tracker address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
