// Package errkind defines the taxonomy of non-fatal error records the
// reconstruction pipeline accumulates as it works. Every component keeps its
// own slice of Records rather than aborting; see the per-component Errors()
// accessors in frame, pdispatch, tcpflow, dnstrack, flowanalysis, and
// harsession.
package errkind

import "github.com/pkg/errors"

// Kind tags a Record with the component-level failure category it belongs
// to, so callers can filter without string-matching messages.
type Kind string

const (
	// IncompletePacket: captured length was less than wire length.
	IncompletePacket Kind = "incomplete_packet"
	// FrameDecode: link-layer or IP decode failed.
	FrameDecode Kind = "frame_decode"
	// TcpAnomaly: segment arrived on a closed direction, an unrecoverable
	// gap formed, or a flow's buffer grew past its cap.
	TcpAnomaly Kind = "tcp_anomaly"
	// HttpParse: framing failed at a given offset in a direction.
	HttpParse Kind = "http_parse"
	// NotHttpFlow: both the forward and reverse framing attempts failed.
	NotHttpFlow Kind = "not_http_flow"
	// DnsDecode: a UDP/53 datagram did not decode as DNS.
	DnsDecode Kind = "dns_decode"
	// EndOfInputTruncation: the input ended in the middle of a record.
	EndOfInputTruncation Kind = "end_of_input_truncation"
)

// Record pairs an error Kind with the underlying cause and enough context
// (an index, offset, or flow identity — left to the caller as a string) to
// locate it in the trace.
type Record struct {
	Kind    Kind
	Context string
	Cause   error
}

func New(kind Kind, context string, cause error) Record {
	return Record{Kind: kind, Context: context, Cause: cause}
}

func (r Record) Error() string {
	if r.Context == "" {
		return errors.Wrap(r.Cause, string(r.Kind)).Error()
	}
	return errors.Wrapf(r.Cause, "%s: %s", r.Kind, r.Context).Error()
}

// List is an accumulating, non-fatal error sink shared by every component.
type List struct {
	records []Record
}

func (l *List) Add(kind Kind, context string, cause error) {
	l.records = append(l.records, New(kind, context, cause))
}

func (l *List) Records() []Record {
	return l.records
}

func (l *List) Len() int {
	return len(l.records)
}
