package input

import (
	"bytes"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/eventconsole/ecsyslog/framing"
	"github.com/eventconsole/ecsyslog/lock"
	"github.com/eventconsole/ecsyslog/logging"
)

// Consumer accepts decoded messages. Consume is called in arrival order for
// each source, with the reassembler's guard held, and must either handle
// the message or enqueue it. msg is only valid for the duration of the call.
type Consumer interface {
	Consume(source string, msg []byte)
}

// ConsumerFunc adapts an ordinary function to a Consumer.
type ConsumerFunc func(source string, msg []byte)

// Consume calls f(source, msg).
func (f ConsumerFunc) Consume(source string, msg []byte) { f(source, msg) }

// pending is the undecoded tail of one source's stream.
type pending struct {
	buf      []byte
	lastSeen time.Time
}

// Reassembler turns chunks of syslog byte streams into messages. Chunks
// sharing a source key form one stream; different keys are independent.
// All methods are safe for concurrent use.
type Reassembler struct {
	consumer   Consumer
	guard      *lock.Guard
	maxPending int
	now        func() time.Time
	logger     zerolog.Logger

	sources map[string]*pending
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithMaxPending bounds the pending bytes kept for a single source. A
// source exceeding the bound is reset. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(r *Reassembler) { r.maxPending = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reassembler) { r.now = now }
}

// NewReassembler returns a Reassembler dispatching messages to c.
func NewReassembler(c Consumer, opts ...Option) *Reassembler {
	RegisterMetrics()
	r := &Reassembler{
		consumer: c,
		guard:    lock.New("reassembly"),
		now:      time.Now,
		logger:   logging.Component("reassembly"),
		sources:  make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ingest appends chunk to the stream of source and dispatches every message
// that is now complete. It returns a copy of the bytes still waiting for
// the rest of their frame, or nil when nothing is pending.
func (r *Reassembler) Ingest(source string, chunk []byte) []byte {
	release := r.guard.EnterKey("ingest", source)
	defer release()

	p, ok := r.sources[source]
	if !ok {
		p = &pending{}
		r.sources[source] = p
	}
	p.buf = append(p.buf, chunk...)
	p.lastSeen = r.now()
	ingestedBytes.Add(float64(len(chunk)))

	w := framing.NewWindow(p.buf)
	decoded := false
	for {
		res := framing.DecodeOneMessage(w)
		if !res.OK {
			break
		}
		decodedMessages.WithLabelValues(res.Value.Method.String()).Inc()
		r.consumer.Consume(source, res.Value.Message)
		w = res.Rest
		decoded = true
	}
	if decoded {
		// Detach from the consumed prefix so it can be collected.
		p.buf = append([]byte(nil), w.Bytes()...)
	}

	if r.maxPending > 0 && len(p.buf) > r.maxPending {
		r.logger.Warn().
			Str("source", source).
			Str("pending", humanize.IBytes(uint64(len(p.buf)))).
			Str("max", humanize.IBytes(uint64(r.maxPending))).
			Msg("pending buffer exceeds ceiling, resetting source")
		overflows.Inc()
		discardedBytes.Add(float64(len(p.buf)))
		delete(r.sources, source)
		return nil
	}

	if len(p.buf) == 0 {
		return nil
	}
	return append([]byte(nil), p.buf...)
}

// IngestDatagram decodes a self-contained datagram. No state is kept for
// source: after every complete frame has been dispatched, any remainder is
// dispatched as one last message, with trailing line breaks removed.
func (r *Reassembler) IngestDatagram(source string, datagram []byte) {
	release := r.guard.EnterKey("datagram", source)
	defer release()

	ingestedBytes.Add(float64(len(datagram)))
	frames, rest := framing.DecodeAll(framing.NewWindow(datagram))
	for _, f := range frames {
		decodedMessages.WithLabelValues(f.Method.String()).Inc()
		r.consumer.Consume(source, f.Message)
	}
	if tail := bytes.TrimRight(rest.Bytes(), "\r\n"); len(tail) > 0 {
		decodedMessages.WithLabelValues("datagram").Inc()
		r.consumer.Consume(source, tail)
	}
}

// Pending returns a copy of the bytes waiting for source, or nil.
func (r *Reassembler) Pending(source string) []byte {
	release := r.guard.EnterKey("pending", source)
	defer release()

	p, ok := r.sources[source]
	if !ok || len(p.buf) == 0 {
		return nil
	}
	return append([]byte(nil), p.buf...)
}

// Evict drops all state kept for source and returns what was pending.
func (r *Reassembler) Evict(source string) []byte {
	release := r.guard.EnterKey("evict", source)
	defer release()

	p, ok := r.sources[source]
	if !ok {
		return nil
	}
	delete(r.sources, source)
	evictions.WithLabelValues("closed").Inc()
	if len(p.buf) == 0 {
		return nil
	}
	discardedBytes.Add(float64(len(p.buf)))
	return p.buf
}

// EvictIdle drops every source that has not received data for longer than
// idle. It returns the number of sources dropped.
func (r *Reassembler) EvictIdle(idle time.Duration) int {
	release := r.guard.Enter("evict idle")
	defer release()

	cutoff := r.now().Add(-idle)
	n := 0
	for source, p := range r.sources {
		if !p.lastSeen.Before(cutoff) {
			continue
		}
		if len(p.buf) > 0 {
			r.logger.Debug().Str("source", source).Int("pending", len(p.buf)).Msg("evicting idle source")
			discardedBytes.Add(float64(len(p.buf)))
		}
		delete(r.sources, source)
		n++
	}
	if n > 0 {
		evictions.WithLabelValues("idle").Add(float64(n))
	}
	return n
}

// Sources returns the number of sources with state.
func (r *Reassembler) Sources() int {
	release := r.guard.Enter("sources")
	defer release()
	return len(r.sources)
}

// Status returns diagnostic information about the reassembler.
func (r *Reassembler) Status() (map[string]interface{}, error) {
	release := r.guard.Enter("status")
	defer release()

	var total, largest int
	for _, p := range r.sources {
		total += len(p.buf)
		if len(p.buf) > largest {
			largest = len(p.buf)
		}
	}
	return map[string]interface{}{
		"sources":         len(r.sources),
		"pending_bytes":   total,
		"largest_pending": largest,
		"max_pending":     r.maxPending,
	}, nil
}
