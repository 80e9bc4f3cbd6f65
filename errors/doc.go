// Package errors classifies failures for gazestream components.
//
// # Classes
//
//   - Transient: the transport or a sink is temporarily unavailable. The bridge
//     stops; an external supervisor may restart it.
//   - Invalid: input that cannot be used, such as a truncated trailing record
//     or a bad configuration value.
//   - Fatal: conditions that must end the stream, such as a read deadline
//     expiring on a silent tracker or a broken handshake.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// and the classified wrappers keep the class visible through errors.As:
//
//	if err := framer.fill(); err != nil {
//	    return errors.WrapFatal(err, "Framer", "ReadRecord", "await record terminator")
//	}
//
// Callers branch on the class rather than on message text:
//
//	switch errors.Classify(err) {
//	case errors.ErrorFatal:
//	    // stop, exit non-zero
//	case errors.ErrorInvalid:
//	    // log and drop
//	}
//
// The package shadows the standard library name, so Is, As and New are
// re-exported for convenience.
package errors
