package input

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func Test_SpoolCollectorProcessFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.1")
	content := "\"May 26 13:45:01 Klapprechner CRON[8046]:  message\n55 May 26 13:45:01 Klapprechner CRON[8046]: octet message\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write spool file: %s", err)
	}

	rec := newRecorder()
	r := NewReassembler(rec)
	s := NewSpoolCollector(dir, time.Second, r)
	if err := s.ProcessFile(path); err != nil {
		t.Fatalf("failed to process spool file: %s", err)
	}

	exp := []string{
		"\"May 26 13:45:01 Klapprechner CRON[8046]:  message",
		"May 26 13:45:01 Klapprechner CRON[8046]: octet message\n",
	}
	if diff := cmp.Diff(exp, rec.messages(SpoolKey(path))); diff != "" {
		t.Fatalf("messages mismatch (-exp +got):\n%s", diff)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("spool file not removed after processing")
	}
	if n := r.Sources(); n != 0 {
		t.Fatalf("spool source not evicted, %d sources", n)
	}
}

func Test_SpoolCollectorIncompleteTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.1")
	if err := os.WriteFile(path, []byte("first\n30 truncated"), 0644); err != nil {
		t.Fatalf("failed to write spool file: %s", err)
	}

	rec := newRecorder()
	r := NewReassembler(rec)
	if err := NewSpoolCollector(dir, time.Second, r).ProcessFile(path); err != nil {
		t.Fatalf("failed to process spool file: %s", err)
	}
	if diff := cmp.Diff([]string{"first"}, rec.messages(SpoolKey(path))); diff != "" {
		t.Fatalf("messages mismatch (-exp +got):\n%s", diff)
	}
	if n := r.Sources(); n != 0 {
		t.Fatalf("incomplete tail kept, %d sources", n)
	}
}

func Test_SpoolCollectorProcessDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.log":   "second\n",
		"a.log":   "first\n",
		".hidden": "ignored\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write spool file: %s", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("failed to create subdirectory: %s", err)
	}

	var order []string
	r := NewReassembler(ConsumerFunc(func(source string, msg []byte) {
		order = append(order, string(msg))
	}))
	n, err := NewSpoolCollector(dir, time.Second, r).ProcessDir()
	if err != nil {
		t.Fatalf("failed to process spool directory: %s", err)
	}
	if n != 2 {
		t.Fatalf("processed got %d, exp 2", n)
	}
	if diff := cmp.Diff([]string{"first", "second"}, order); diff != "" {
		t.Fatalf("messages mismatch (-exp +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(dir, ".hidden")); err != nil {
		t.Fatalf("hidden file touched: %s", err)
	}
}

func Test_SpoolCollectorPolls(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	rec := newRecorder()
	s := NewSpoolCollector(dir, 10*time.Millisecond, NewReassembler(rec))
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start spool collector: %s", err)
	}
	defer s.Close()

	// Hidden files are skipped, so the rename publishes the file atomically.
	tmp := filepath.Join(dir, ".late.log")
	path := filepath.Join(dir, "late.log")
	if err := os.WriteFile(tmp, []byte("<13>1 late\n"), 0644); err != nil {
		t.Fatalf("failed to write spool file: %s", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("failed to publish spool file: %s", err)
	}
	got := waitMessages(t, rec, SpoolKey(path), 1)
	if diff := cmp.Diff([]string{"<13>1 late"}, got); diff != "" {
		t.Fatalf("messages mismatch (-exp +got):\n%s", diff)
	}
}
