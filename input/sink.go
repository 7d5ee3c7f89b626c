package input

import (
	"sync/atomic"
	"time"
)

var sequenceNumber int64

func init() {
	sequenceNumber = time.Now().UnixNano()
}

// EventSink is a Consumer turning each message into an Event and sending it
// on a channel. The send blocks while the channel is full, which applies
// backpressure to the ingesting transport.
type EventSink struct {
	c   chan<- *Event
	now func() time.Time
}

// NewEventSink returns an EventSink sending on c.
func NewEventSink(c chan<- *Event) *EventSink {
	RegisterMetrics()
	return &EventSink{c: c, now: time.Now}
}

// Consume implements Consumer.
func (s *EventSink) Consume(source string, msg []byte) {
	events.Inc()
	s.c <- &Event{
		Message:       append([]byte(nil), msg...),
		SourceKey:     source,
		ReceptionTime: s.now().UTC(),
		Sequence:      atomic.AddInt64(&sequenceNumber, 1),
	}
}
