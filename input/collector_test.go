package input

import (
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// waitMessages polls rec until source has n messages or a deadline passes.
func waitMessages(t *testing.T, rec *recorder, source string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := rec.messages(source); len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages from %s, got %v", n, source, rec.messages(source))
	return nil
}

func Test_TCPCollectorSplitWrites(t *testing.T) {
	rec := newRecorder()
	r := NewReassembler(rec)
	c := NewTCPCollector("localhost:0", r, nil)
	if err := c.Start(); err != nil {
		t.Fatalf("failed to start TCP collector: %s", err)
	}
	defer c.Close()

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("failed to connect to TCP collector: %s", err)
	}
	defer conn.Close()

	writes := []string{
		"17 <13>1 ",
		"split\nframe",
		"<34>1 plain",
		" line\n21 <13>1 never finished",
	}
	for _, w := range writes {
		if _, err := conn.Write([]byte(w)); err != nil {
			t.Fatalf("failed to write to TCP collector: %s", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	source := conn.LocalAddr().String()
	got := waitMessages(t, rec, source, 2)
	exp := []string{"<13>1 split\nframe", "<34>1 plain line"}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("messages mismatch (-exp +got):\n%s", diff)
	}
	if p := r.Pending(source); string(p) != "21 <13>1 never finished" {
		t.Fatalf("pending got %q, exp the unfinished frame", p)
	}

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for r.Sources() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("closed connection not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func Test_UDPCollector(t *testing.T) {
	rec := newRecorder()
	r := NewReassembler(rec)
	c := NewUDPCollector("localhost:0", r)
	if err := c.Start(); err != nil {
		t.Fatalf("failed to start UDP collector: %s", err)
	}
	defer c.Close()

	conn, err := net.Dial("udp", c.Addr().String())
	if err != nil {
		t.Fatalf("failed to connect to UDP collector: %s", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("<34>1 2003-10-11T22:14:15.003Z mymachine su - - - hi")); err != nil {
		t.Fatalf("failed to write to UDP collector: %s", err)
	}

	got := waitMessages(t, rec, conn.LocalAddr().String(), 1)
	exp := []string{"<34>1 2003-10-11T22:14:15.003Z mymachine su - - - hi"}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("messages mismatch (-exp +got):\n%s", diff)
	}
}

func Test_CollectorCloseBeforeStart(t *testing.T) {
	r := NewReassembler(newRecorder())
	for _, c := range []Collector{
		NewTCPCollector("localhost:0", r, nil),
		NewUDPCollector("localhost:0", r),
		NewSpoolCollector(t.TempDir(), time.Second, r),
	} {
		if err := c.Close(); err != nil {
			t.Fatalf("close before start failed: %s", err)
		}
	}
}
