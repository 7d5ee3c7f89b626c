package input

import (
	"time"

	"github.com/influxdata/go-syslog/v3"
	"github.com/influxdata/go-syslog/v3/rfc3164"
	"github.com/influxdata/go-syslog/v3/rfc5424"
)

// Event is a decoded message, with a reception timestamp and sequence number.
type Event struct {
	Message       []byte         // Decoded syslog record, framing removed
	SourceKey     string         // Source the message was reassembled under
	ReceptionTime time.Time      // Time the message was decoded
	Sequence      int64          // Provides order of reception
	Parsed        syslog.Message // If non-nil, contains parsed header fields

	referenceTime time.Time // Memoized reference time
}

// Text returns the message as a string.
func (e *Event) Text() string {
	return string(e.Message)
}

// ReferenceTime returns the timestamp carried in the message header when it
// could be parsed, the reception time otherwise.
func (e *Event) ReferenceTime() time.Time {
	if e.referenceTime.IsZero() {
		if b := header(e.Parsed); b != nil && b.Timestamp != nil && !b.Timestamp.IsZero() {
			e.referenceTime = b.Timestamp.UTC()
		} else {
			e.referenceTime = e.ReceptionTime
		}
	}
	return e.referenceTime
}

// Hostname returns the HOSTNAME header field, or "".
func (e *Event) Hostname() string {
	if b := header(e.Parsed); b != nil && b.Hostname != nil {
		return *b.Hostname
	}
	return ""
}

// Appname returns the APP-NAME (or TAG) header field, or "".
func (e *Event) Appname() string {
	if b := header(e.Parsed); b != nil && b.Appname != nil {
		return *b.Appname
	}
	return ""
}

func header(m syslog.Message) *syslog.Base {
	switch msg := m.(type) {
	case *rfc5424.SyslogMessage:
		return &msg.Base
	case *rfc3164.SyslogMessage:
		return &msg.Base
	}
	return nil
}
