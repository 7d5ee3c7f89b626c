package ecsyslog

import (
	"fmt"
	"time"

	"github.com/eventconsole/ecsyslog/input"
)

// Event is a decoded message that can be indexed.
type Event struct {
	*input.Event
}

// ID returns a unique ID for the event. IDs sort by reference time, then by
// order of reception.
func (e Event) ID() DocID {
	return DocID(fmt.Sprintf("%016x%016x",
		uint64(e.ReferenceTime().UnixNano()), uint64(e.Sequence)))
}

// Data returns the indexable data.
func (e Event) Data() interface{} {
	return struct {
		Message       string
		Hostname      string
		Appname       string
		Source        string
		ReferenceTime time.Time
		ReceptionTime time.Time
	}{
		Message:       e.Text(),
		Hostname:      e.Hostname(),
		Appname:       e.Appname(),
		Source:        e.SourceKey,
		ReferenceTime: e.ReferenceTime(),
		ReceptionTime: e.ReceptionTime,
	}
}

// Source returns the message as it was decoded.
func (e Event) Source() []byte {
	return e.Message
}
