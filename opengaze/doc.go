// Package opengaze speaks the Open Gaze API, the text protocol Gazepoint
// Control serves on TCP port 4242.
//
// The stream carries one XML-like element per line:
//
//	<REC TIME="12.345" FPOGX="0.51" FPOGY="0.48" FPOGV="1" ... />\r\n
//
// There are no length prefixes, so a Framer accumulates bytes until the
// two-byte "\r\n" terminator and hands out one Record at a time. A Decoder
// then pulls the recognised numeric attributes out of the record. Attributes
// the tracker was not asked to send are simply absent; values that do not
// parse as numbers are dropped without failing the rest of the record.
//
// Before data flows the client enables each group of outputs with SET
// commands and waits for one acknowledgement per command, see Handshake.
//
// Basic usage:
//
//	sess, err := opengaze.Connect(ctx, opengaze.SessionConfig{
//	    Address:     opengaze.DefaultAddress,
//	    ReadTimeout: 5 * time.Second,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	dec := opengaze.NewDecoder()
//	for {
//	    rec, err := sess.ReadRecord(ctx)
//	    if err != nil {
//	        break
//	    }
//	    fields := dec.Decode(rec.Text)
//	    _ = fields["FPOGX"]
//	}
package opengaze
