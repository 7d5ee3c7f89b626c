package input

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventconsole/ecsyslog/logging"
)

// SpoolCollector polls a directory for spool files. Every file is read line
// by line into the Reassembler under the key "spool:<path>", then removed.
type SpoolCollector struct {
	dir      string
	interval time.Duration
	r        *Reassembler
	logger   zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSpoolCollector returns a SpoolCollector watching dir every interval.
func NewSpoolCollector(dir string, interval time.Duration, r *Reassembler) *SpoolCollector {
	RegisterMetrics()
	return &SpoolCollector{
		dir:      dir,
		interval: interval,
		r:        r,
		logger:   logging.Component("spool"),
	}
}

// SpoolKey returns the source key used for the spool file at path.
func SpoolKey(path string) string {
	return "spool:" + path
}

// Start creates the spool directory if needed and polls it in the background.
func (s *SpoolCollector) Start() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}
	s.done = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			if _, err := s.ProcessDir(); err != nil {
				s.logger.Warn().Err(err).Str("dir", s.dir).Msg("spool scan failed")
			}
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Close stops polling.
func (s *SpoolCollector) Close() error {
	if s.done == nil {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	s.done = nil
	return nil
}

// ProcessDir handles every regular, non-hidden file in the spool directory
// in name order. It returns the number of files processed.
func (s *SpoolCollector) ProcessDir() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		if err := s.ProcessFile(path); err != nil {
			spoolFiles.WithLabelValues("failed").Inc()
			s.logger.Warn().Err(err).Str("file", path).Msg("spool file failed")
			continue
		}
		spoolFiles.WithLabelValues("processed").Inc()
		n++
	}
	return n, nil
}

// ProcessFile feeds the file at path through the Reassembler one line at a
// time, then removes it. A trailing frame left incomplete at end of file is
// discarded.
func (s *SpoolCollector) ProcessFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	source := SpoolKey(path)

	br := bufio.NewReader(f)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			s.r.Ingest(source, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			f.Close()
			s.r.Evict(source)
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	f.Close()

	if rest := s.r.Evict(source); len(rest) > 0 {
		s.logger.Warn().Str("file", path).Int("bytes", len(rest)).
			Msg("spool file ends with an incomplete frame, discarding")
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	s.logger.Debug().Str("file", path).Msg("spool file processed")
	return nil
}
