package input

import (
	"github.com/influxdata/go-syslog/v3"
	"github.com/influxdata/go-syslog/v3/rfc3164"
	"github.com/influxdata/go-syslog/v3/rfc5424"
)

// A Parser extracts header fields from decoded messages. It only ever
// looks inside a message; boundaries are decided by the framing package.
// A Parser is not safe for concurrent use.
type Parser struct {
	rfc5424 syslog.Machine
	rfc3164 syslog.Machine
}

// NewParser returns a Parser trying RFC 5424 first and RFC 3164 second.
func NewParser() *Parser {
	return &Parser{
		rfc5424: rfc5424.NewParser(),
		rfc3164: rfc3164.NewParser(rfc3164.WithYear(rfc3164.CurrentYear{})),
	}
}

// Parse returns the parsed message, or nil if neither format matches.
func (p *Parser) Parse(msg []byte) syslog.Message {
	if m, err := p.rfc5424.Parse(msg); err == nil && m != nil {
		parseResults.WithLabelValues("rfc5424").Inc()
		return m
	}
	if m, err := p.rfc3164.Parse(msg); err == nil && m != nil {
		parseResults.WithLabelValues("rfc3164").Inc()
		return m
	}
	parseResults.WithLabelValues("unparsed").Inc()
	return nil
}
