package testutil

import (
	"bufio"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var setIDRegex = regexp.MustCompile(`ID="([^"]*)"`)

// FakeTracker is a loopback TCP server that plays Gazepoint Control: it
// acknowledges SET commands and, once ENABLE_SEND_DATA arrives, writes its
// scripted stream.
type FakeTracker struct {
	t  testing.TB
	ln net.Listener

	// Reply builds the response to a command ID. Defaults to Ack.
	Reply func(id string) string
	// Stream is written verbatim after the data enable command.
	Stream []string
	// Hold keeps the connection open after the stream until the client
	// disconnects or the tracker is closed.
	Hold bool
	// SkipHandshake streams immediately after accepting.
	SkipHandshake bool

	mu       sync.Mutex
	commands []string
	conns    []net.Conn
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewFakeTracker returns a tracker on 127.0.0.1 with an ephemeral port.
// Configure the exported fields, then call Start. Cleanup is registered on t.
func NewFakeTracker(t testing.TB, stream ...string) *FakeTracker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &FakeTracker{
		t:      t,
		ln:     ln,
		Reply:  Ack,
		Stream: stream,
		done:   make(chan struct{}),
	}
	t.Cleanup(f.Close)
	return f
}

// Addr is the address to dial.
func (f *FakeTracker) Addr() string { return f.ln.Addr().String() }

// Start accepts a single connection in the background.
func (f *FakeTracker) Start() *FakeTracker {
	f.wg.Add(1)
	go f.serve()
	return f
}

// Commands returns the command lines received, without terminators.
func (f *FakeTracker) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// CommandIDs returns the IDs of received commands.
func (f *FakeTracker) CommandIDs() []string {
	var ids []string
	for _, c := range f.Commands() {
		if m := setIDRegex.FindStringSubmatch(c); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}

// Close stops the listener and drops open connections.
func (f *FakeTracker) Close() {
	f.mu.Lock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.mu.Unlock()
	_ = f.ln.Close()
	f.wg.Wait()
}

func (f *FakeTracker) serve() {
	defer f.wg.Done()

	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	select {
	case <-f.done:
		f.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	f.mu.Unlock()
	defer conn.Close()

	if !f.SkipHandshake {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			f.mu.Lock()
			f.commands = append(f.commands, line)
			f.mu.Unlock()

			id := ""
			if m := setIDRegex.FindStringSubmatch(line); m != nil {
				id = m[1]
			}
			if _, err := conn.Write([]byte(f.Reply(id))); err != nil {
				return
			}
			if id == "ENABLE_SEND_DATA" {
				break
			}
		}
	}

	for _, chunk := range f.Stream {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			return
		}
	}

	if f.Hold {
		// wait for the client to hang up or the test to end
		_ = conn.SetReadDeadline(time.Time{})
		buf := make([]byte, 64)
		go func() {
			<-f.done
			_ = conn.Close()
		}()
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}
}
