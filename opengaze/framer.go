package opengaze

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/c360/gazestream/errors"
)

// Terminator ends every record on the wire.
const Terminator = "\r\n"

const defaultReadBuffer = 1024

var (
	// ErrTruncatedRecord is returned when the stream ends inside a record.
	ErrTruncatedRecord = errors.New("stream ended inside a record")
	// ErrRecordTimeout is returned when no terminator arrives before the read deadline.
	ErrRecordTimeout = errors.New("timed out waiting for record")
	// ErrRecordTooLarge is returned when a record grows past the configured limit.
	ErrRecordTooLarge = errors.New("record exceeds size limit")
)

// Record is one terminator-delimited unit of the stream.
type Record struct {
	// Text includes the trailing "\r\n".
	Text     string
	Received time.Time
}

// Len returns the size of the record on the wire.
func (r Record) Len() int { return len(r.Text) }

// Payload returns the record text without the terminator.
func (r Record) Payload() string {
	if len(r.Text) >= len(Terminator) && r.Text[len(r.Text)-len(Terminator):] == Terminator {
		return r.Text[:len(r.Text)-len(Terminator)]
	}
	return r.Text
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithReadTimeout bounds how long the framer waits for more bytes. The
// deadline is only armed when the reader supports SetReadDeadline. Zero
// waits indefinitely.
func WithReadTimeout(d time.Duration) FramerOption {
	return func(f *Framer) { f.timeout = d }
}

// WithMaxRecordBytes caps the size of a single record. Zero means no cap.
func WithMaxRecordBytes(n int) FramerOption {
	return func(f *Framer) { f.maxBytes = n }
}

// WithBufferSize sets the size of the underlying read buffer.
func WithBufferSize(n int) FramerOption {
	return func(f *Framer) {
		if n > 0 {
			f.bufSize = n
		}
	}
}

// Framer splits a byte stream into records. It is not safe for concurrent use.
type Framer struct {
	br       *bufio.Reader
	dl       deadliner
	timeout  time.Duration
	maxBytes int
	bufSize  int
	pending  []byte
	now      func() time.Time
}

// NewFramer wraps r.
func NewFramer(r io.Reader, opts ...FramerOption) *Framer {
	f := &Framer{
		bufSize: defaultReadBuffer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if d, ok := r.(deadliner); ok {
		f.dl = d
	}
	f.br = bufio.NewReaderSize(r, f.bufSize)
	return f
}

// ReadRecord blocks until a complete record is available.
//
// A clean end of stream returns io.EOF. If the stream ends while a record is
// partially accumulated, the partial text is returned together with
// ErrTruncatedRecord. A lone "\n" does not end a record.
func (f *Framer) ReadRecord(ctx context.Context) (Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		if err := f.armDeadline(); err != nil {
			return Record{}, errors.WrapTransient(err, "Framer", "ReadRecord", "arm read deadline")
		}

		chunk, err := f.br.ReadSlice('\n')
		f.pending = append(f.pending, chunk...)

		if f.maxBytes > 0 && len(f.pending) > f.maxBytes {
			size := len(f.pending)
			f.pending = f.pending[:0]
			return Record{}, errors.WrapFatal(
				fmt.Errorf("%w: %d bytes, limit %d", ErrRecordTooLarge, size, f.maxBytes),
				"Framer", "ReadRecord", "accumulate record")
		}

		if bytes.HasSuffix(f.pending, []byte(Terminator)) {
			rec := Record{Text: string(f.pending), Received: f.now()}
			f.pending = f.pending[:0]
			return rec, nil
		}

		switch {
		case err == nil, err == bufio.ErrBufferFull:
			// either a lone '\n' or a full buffer, keep accumulating
			continue
		case err == io.EOF:
			if len(f.pending) == 0 {
				return Record{}, io.EOF
			}
			rec := Record{Text: string(f.pending), Received: f.now()}
			f.pending = f.pending[:0]
			return rec, errors.WrapInvalid(ErrTruncatedRecord, "Framer", "ReadRecord", "read record")
		case isTimeout(err):
			return Record{}, errors.WrapFatal(
				fmt.Errorf("%w after %s", ErrRecordTimeout, f.timeout),
				"Framer", "ReadRecord", "await record terminator")
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Record{}, ctxErr
			}
			return Record{}, errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrConnectionLost, err),
				"Framer", "ReadRecord", "read from transport")
		}
	}
}

// Pending reports how many bytes of an incomplete record are buffered.
func (f *Framer) Pending() int {
	return len(f.pending)
}

func (f *Framer) armDeadline() error {
	if f.dl == nil || f.timeout <= 0 {
		return nil
	}
	return f.dl.SetReadDeadline(f.now().Add(f.timeout))
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// SetReadTimeout replaces the read timeout for subsequent reads.
func (f *Framer) SetReadTimeout(d time.Duration) {
	f.timeout = d
}
