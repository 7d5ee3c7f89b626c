package ecsyslog

import (
	"errors"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eventconsole/ecsyslog/input"
	"github.com/eventconsole/ecsyslog/logging"
)

const (
	DefaultNumShards       = 16
	DefaultIndexDuration   = 24 * time.Hour
	DefaultRetentionPeriod = 24 * time.Hour

	RetentionCheckInterval = time.Hour
)

// ErrEngineClosed is returned by operations on an engine that is not open.
var ErrEngineClosed = errors.New("engine closed")

var (
	stats        = expvar.NewMap("engine")
	batcherStats = expvar.NewMap("batcher")
)

// EventIndexer is the interface a system that can index events must implement.
type EventIndexer interface {
	Index(events []*Event) error
}

// Batcher accepts events from the input layer, and once it has a certain
// number, or a certain amount of time has passed, sends them as indexable
// Events to an EventIndexer. It keeps at most max events pending; once the
// limit is reached, sends on C block until outstanding events are processed.
//
// Header parsing happens on the batcher goroutine, so the event sink only
// ever copies bytes.
type Batcher struct {
	indexer  EventIndexer
	parser   *input.Parser
	size     int
	duration time.Duration
	logger   zerolog.Logger

	c    chan *input.Event
	done chan struct{}
	wg   sync.WaitGroup
}

// NewBatcher returns a Batcher for EventIndexer e, a batching size of sz, a
// maximum duration of dur, and a maximum outstanding count of max.
func NewBatcher(e EventIndexer, sz int, dur time.Duration, max int) *Batcher {
	return &Batcher{
		indexer:  e,
		parser:   input.NewParser(),
		size:     sz,
		duration: dur,
		logger:   logging.Component("batcher"),
		c:        make(chan *input.Event, max),
		done:     make(chan struct{}),
	}
}

// Start starts the batching process. If errChan is non-nil, the result of
// every indexing call is sent on it.
func (b *Batcher) Start(errChan chan<- error) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		batch := make([]*Event, 0, b.size)
		timer := time.NewTimer(b.duration)
		timer.Stop() // Stop any first firing.

		send := func() {
			if len(batch) == 0 {
				return
			}
			err := b.indexer.Index(batch)
			if err != nil {
				batcherStats.Add("batchIndexedError", 1)
				b.logger.Error().Err(err).Int("events", len(batch)).Msg("failed to index batch")
			} else {
				batcherStats.Add("batchIndexed", 1)
				batcherStats.Add("eventsIndexed", int64(len(batch)))
			}
			if errChan != nil {
				errChan <- err
			}
			batch = make([]*Event, 0, b.size)
		}

		for {
			select {
			case event := <-b.c:
				event.Parsed = b.parser.Parse(event.Message)
				batch = append(batch, &Event{event})
				if len(batch) == 1 {
					timer.Reset(b.duration)
				}
				if len(batch) == b.size {
					timer.Stop()
					send()
				}
			case <-timer.C:
				batcherStats.Add("batchTimeout", 1)
				send()
			case <-b.done:
				timer.Stop()
				// Drain whatever the sink managed to queue.
				for drained := false; !drained; {
					select {
					case event := <-b.c:
						event.Parsed = b.parser.Parse(event.Message)
						batch = append(batch, &Event{event})
					default:
						drained = true
					}
				}
				send()
				return
			}
		}
	}()

	return nil
}

// Stop indexes any pending events and stops the batcher.
func (b *Batcher) Stop() {
	close(b.done)
	b.wg.Wait()
}

// C returns the channel on the batcher to which events should be sent.
func (b *Batcher) C() chan<- *input.Event {
	return b.c
}

// Engine is the component that performs all indexing.
type Engine struct {
	path            string        // Path to all indexed data
	NumShards       int           // Number of shards to use when creating an index.
	IndexDuration   time.Duration // Duration of created indexes.
	RetentionPeriod time.Duration // How long after Index end-time to hang onto data.

	mu      sync.RWMutex
	indexes Indexes

	open bool
	done chan struct{}
	wg   sync.WaitGroup

	logger zerolog.Logger
}

// NewEngine returns a new indexing engine, which will use any data located at path.
func NewEngine(path string) *Engine {
	return &Engine{
		path:            path,
		NumShards:       DefaultNumShards,
		IndexDuration:   DefaultIndexDuration,
		RetentionPeriod: DefaultRetentionPeriod,
		logger:          logging.Component("engine"),
	}
}

// Open opens the engine.
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.path, 0755); err != nil {
		return fmt.Errorf("create engine directory: %w", err)
	}
	entries, err := os.ReadDir(e.path)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		indexPath := filepath.Join(e.path, entry.Name())
		i, err := OpenIndex(indexPath)
		if err != nil {
			e.logger.Error().Err(err).Str("index", indexPath).Msg("failed to open index")
			return err
		}
		e.logger.Info().Str("index", indexPath).Int("shards", len(i.Shards)).Msg("opened index")
		e.indexes = append(e.indexes, i)
	}
	sort.Sort(e.indexes)

	e.done = make(chan struct{})
	e.wg.Add(1)
	go e.runRetentionEnforcement()

	e.open = true
	return nil
}

// Close closes the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		return nil
	}
	e.open = false
	close(e.done)
	e.mu.Unlock()

	// Retention enforcement takes the lock, so wait outside of it.
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, i := range e.indexes {
		if err := i.Close(); err != nil {
			return err
		}
	}
	e.indexes = nil
	return nil
}

// Total returns the total number of documents indexed.
func (e *Engine) Total() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var total uint64
	for _, i := range e.indexes {
		t, err := i.Total()
		if err != nil {
			return 0, err
		}
		total += t
	}
	return total, nil
}

// Status returns diagnostic information about the engine.
func (e *Engine) Status() (map[string]interface{}, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indexes := make([]map[string]interface{}, 0, len(e.indexes))
	for _, i := range e.indexes {
		t, err := i.Total()
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, map[string]interface{}{
			"path":       i.Path(),
			"start_time": i.StartTime(),
			"end_time":   i.EndTime(),
			"shards":     len(i.Shards),
			"documents":  t,
		})
	}
	return map[string]interface{}{
		"path":             e.path,
		"open":             e.open,
		"index_duration":   e.IndexDuration.String(),
		"retention_period": e.RetentionPeriod.String(),
		"indexes":          indexes,
	}, nil
}

// runRetentionEnforcement periodically run retention enforcement.
func (e *Engine) runRetentionEnforcement() {
	defer e.wg.Done()
	ticker := time.NewTicker(RetentionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return

		case <-ticker.C:
			e.logger.Info().Msg("retention enforcement commencing")
			stats.Add("retentionEnforcementRun", 1)
			e.enforceRetention(time.Now().UTC())
		}
	}
}

// enforceRetention removes indexes which have aged out at time now.
func (e *Engine) enforceRetention(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	filtered := e.indexes[:0]
	for _, i := range e.indexes {
		if !i.Expired(now, e.RetentionPeriod) {
			filtered = append(filtered, i)
			continue
		}
		if err := DeleteIndex(i); err != nil {
			e.logger.Error().Err(err).Str("index", i.path).Msg("retention enforcement failed to delete index")
			filtered = append(filtered, i)
			continue
		}
		e.logger.Info().Str("index", i.path).Msg("retention enforcement deleted index")
		stats.Add("retentionEnforcementDeletions", 1)
	}
	e.indexes = filtered
}

// indexForReferenceTime returns an index suitable for indexing an event
// for the given reference time. Must be called under RLock.
func (e *Engine) indexForReferenceTime(t time.Time) *Index {
	for _, i := range e.indexes {
		if i.Contains(t) {
			return i
		}
	}
	return nil
}

// createIndex creates an index with a given start and end time and adds the
// created index to the Engine's store. It must be called under lock.
func (e *Engine) createIndex(startTime, endTime time.Time) (*Index, error) {
	// There cannot be two indexes with the same start time, since this would
	// mean two indexes with the same path. Move past any index occupying the
	// requested start time.
	for {
		var idx *Index
		for _, i := range e.indexes {
			if i.startTime.Equal(startTime) {
				idx = i
				break
			}
		}
		if idx == nil {
			break
		}
		startTime = idx.endTime
		if !startTime.Before(endTime) {
			return nil, fmt.Errorf("no free start time for index ending %s", endTime)
		}
	}

	i, err := NewIndex(e.path, startTime, endTime, e.NumShards)
	if err != nil {
		return nil, err
	}
	e.indexes = append(e.indexes, i)
	sort.Sort(e.indexes)

	e.logger.Info().
		Str("index", i.Path()).
		Int("shards", e.NumShards).
		Time("start_time", i.StartTime()).
		Time("end_time", i.EndTime()).
		Msg("index created")
	return i, nil
}

// createIndexForReferenceTime creates an index suitable for indexing an event at the given
// reference time.
func (e *Engine) createIndexForReferenceTime(rt time.Time) (*Index, error) {
	start := rt.Truncate(e.IndexDuration).UTC()
	end := start.Add(e.IndexDuration).UTC()
	return e.createIndex(start, end)
}

// Index indexes a batch of Events. It blocks until all processing has completed.
func (e *Engine) Index(events []*Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.open {
		return ErrEngineClosed
	}

	// De-multiplex the batch into sub-batches, one sub-batch for each Index.
	subBatches := make(map[*Index][]Document)

	for _, ev := range events {
		index := e.indexForReferenceTime(ev.ReferenceTime())
		if index == nil {
			var err error
			func() {
				// Take the write lock, check again, and create a new index if
				// necessary. Doing this in a function keeps lock management
				// foolproof.
				e.mu.RUnlock()
				defer e.mu.RLock()
				e.mu.Lock()
				defer e.mu.Unlock()

				index = e.indexForReferenceTime(ev.ReferenceTime())
				if index == nil {
					index, err = e.createIndexForReferenceTime(ev.ReferenceTime())
				}
			}()
			if err != nil {
				return fmt.Errorf("failed to create index for %s: %w", ev.ReferenceTime(), err)
			}
		}
		subBatches[index] = append(subBatches[index], ev)
	}

	// Index each batch in parallel.
	var g errgroup.Group
	for index, subBatch := range subBatches {
		index, subBatch := index, subBatch
		g.Go(func() error {
			return index.Index(subBatch)
		})
	}
	return g.Wait()
}

// Search performs a search and returns the source of every matching event,
// starting with the index covering the latest time range.
func (e *Engine) Search(query string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats.Add("queriesRx", 1)

	if !e.open {
		return nil, ErrEngineClosed
	}

	var results []string
	for _, i := range e.indexes {
		e.logger.Debug().Str("index", i.Path()).Str("query", query).Msg("searching index")
		ids, err := i.Search(query)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", i.Path(), err)
		}
		for _, id := range ids {
			b, err := i.Document(id)
			if err != nil {
				return nil, fmt.Errorf("get document %s: %w", id, err)
			}
			stats.Add("docsIDsRetrieved", 1)
			results = append(results, string(b))
		}
	}
	return results, nil
}

// Path returns the path to the indexed data directory.
func (e *Engine) Path() string {
	return e.path
}
