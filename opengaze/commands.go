package opengaze

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/c360/gazestream/errors"
)

// EnablePrefix starts every output-group enable ID.
const EnablePrefix = "ENABLE_SEND_"

// EnableData switches the record stream on and must be sent last.
const EnableData = EnablePrefix + "DATA"

// Command is a SET request to the tracker.
type Command struct {
	ID    string
	State int
}

// String returns the wire form, terminator included.
func (c Command) String() string {
	return `<SET ID="` + c.ID + `" STATE="` + strconv.Itoa(c.State) + `"/>` + Terminator
}

// Enable returns the command that switches on id.
func Enable(id string) Command {
	return Command{ID: id, State: 1}
}

var defaultGroups = []string{
	"TIME",
	"POG_FIX",
	"POG_LEFT",
	"POG_RIGHT",
	"POG_BEST",
	"PUPIL_LEFT",
	"PUPIL_RIGHT",
	"BLINK",
	"PUPILMM",
	"DIAL",
	"GSR",
	"HR",
	"HR_PULSE",
}

// DefaultGroups returns the output groups enabled by default, without the
// ENABLE_SEND_ prefix.
func DefaultGroups() []string {
	out := make([]string, len(defaultGroups))
	copy(out, defaultGroups)
	return out
}

// DefaultCommands returns the fourteen enable commands for every output
// group the field catalogue covers, ending with ENABLE_SEND_DATA.
func DefaultCommands() []Command {
	cmds, _ := CommandsFor(defaultGroups)
	return cmds
}

// CommandsFor builds enable commands for the given groups. Group names may
// carry the ENABLE_SEND_ prefix or not. DATA is always moved to the end and
// appended when missing.
func CommandsFor(groups []string) ([]Command, error) {
	cmds := make([]Command, 0, len(groups)+1)
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		g = strings.ToUpper(strings.TrimSpace(g))
		if g == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: empty output group", errors.ErrInvalidConfig),
				"opengaze", "CommandsFor", "build enable list")
		}
		id := g
		if !strings.HasPrefix(id, EnablePrefix) {
			id = EnablePrefix + id
		}
		if id == EnableData {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cmds = append(cmds, Enable(id))
	}
	return append(cmds, Enable(EnableData)), nil
}

// RecordReader yields one record at a time.
type RecordReader interface {
	ReadRecord(ctx context.Context) (Record, error)
}

// Handshake writes each command and reads exactly one reply record after it.
//
// A failed or empty write means the connection is gone and is fatal, as is
// the stream closing before a reply arrives. A reply whose ID differs from
// the command, or a NACK, is logged and the handshake carries on.
func Handshake(ctx context.Context, w io.Writer, r RecordReader, cmds []Command, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default().With("component", "opengaze-handshake")
	}

	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}

		wire := cmd.String()
		if err := writeFull(w, []byte(wire)); err != nil {
			return errors.WrapFatal(
				fmt.Errorf("%w: %w", errors.ErrConnectionLost, err),
				"opengaze", "Handshake", "send "+cmd.ID)
		}
		logger.Debug("Sent command", "id", cmd.ID, "state", cmd.State, "index", i)

		reply, err := r.ReadRecord(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrTruncatedRecord) {
				return errors.WrapFatal(
					fmt.Errorf("%w: stream closed awaiting reply to %s", errors.ErrHandshakeFailed, cmd.ID),
					"opengaze", "Handshake", "read reply")
			}
			return err
		}

		tag, attrs := ParseAttributes(reply.Text)
		id := attrValue(attrs, "ID")
		switch {
		case tag == TagNack:
			logger.Warn("Tracker rejected command", "id", cmd.ID, "reply", reply.Payload())
		case tag != TagAck:
			logger.Warn("Unexpected reply to command", "id", cmd.ID, "tag", tag)
		case id != cmd.ID:
			logger.Warn("Acknowledgement for different command", "sent", cmd.ID, "acked", id)
		default:
			logger.Debug("Command acknowledged", "id", cmd.ID)
		}
	}
	return nil
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

func attrValue(attrs []Attribute, name string) string {
	for _, a := range attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}
