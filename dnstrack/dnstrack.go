// Package dnstrack correlates UDP DNS queries and responses observed
// alongside the HTTP traffic in the same trace, and indexes them by
// hostname so the HTTP session can attach resolution time to the first
// request for each host.
package dnstrack

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/arrowlake/pcap2har/errkind"
	"github.com/arrowlake/pcap2har/optionals"
)

// Endpoint is one side of a UDP datagram.
type Endpoint struct {
	IP   string
	Port uint16
}

// Datagram is one UDP/53 payload, already demultiplexed by the dispatcher.
type Datagram struct {
	Src, Dst  Endpoint
	Payload   []byte
	Timestamp float64
}

// Query is a resolved (or, at finalization, unresolved) DNS query.
type Query struct {
	TsRequest  float64
	TsResponse optionals.Optional[float64]
	Name       string
	Answers    []string
}

// Duration is ts_response - ts_request, or 0 if unresolved.
func (q Query) Duration() float64 {
	if ts, ok := q.TsResponse.Get(); ok {
		return ts - q.TsRequest
	}
	return 0
}

type correlationKey struct {
	endpoint Endpoint
	txID     uint16
}

type pendingQuery struct {
	name string
	ts   float64
}

// Tracker pairs DNS queries with their responses by transaction id and
// endpoint pair, and indexes resolved (and, after Finish, unresolved)
// queries by hostname in observation order.
type Tracker struct {
	pending       map[correlationKey]pendingQuery
	byHostname    map[string][]*Query
	hostnameOrder []string
	errs          errkind.List
}

func NewTracker() *Tracker {
	return &Tracker{
		pending:    make(map[correlationKey]pendingQuery),
		byHostname: make(map[string][]*Query),
	}
}

// Accept decodes and correlates one DNS datagram. Decode failures are
// recorded as DnsDecode errors; the tracker never aborts.
func (t *Tracker) Accept(dgram Datagram) {
	var dns layers.DNS
	if err := dns.DecodeFromBytes(dgram.Payload, gopacket.NilDecodeFeedback); err != nil {
		t.errs.Add(errkind.DnsDecode, "", errors.Wrap(err, "decoding DNS message"))
		return
	}

	if !dns.QR {
		t.acceptQuery(dgram, dns)
		return
	}
	t.acceptResponse(dgram, dns)
}

func (t *Tracker) acceptQuery(dgram Datagram, dns layers.DNS) {
	if len(dns.Questions) == 0 {
		return
	}
	key := correlationKey{endpoint: dgram.Src, txID: dns.ID}
	t.pending[key] = pendingQuery{
		name: string(dns.Questions[0].Name),
		ts:   dgram.Timestamp,
	}
}

func (t *Tracker) acceptResponse(dgram Datagram, dns layers.DNS) {
	key := correlationKey{endpoint: dgram.Dst, txID: dns.ID}
	pq, ok := t.pending[key]
	if !ok {
		// A response with no matching outstanding query (missed the
		// request, or it's a duplicate/retransmitted answer); not an
		// error, just nothing to correlate it with.
		return
	}
	delete(t.pending, key)

	answers := make([]string, 0, len(dns.Answers))
	for _, a := range dns.Answers {
		answers = append(answers, a.String())
	}

	t.record(&Query{
		TsRequest:  pq.ts,
		TsResponse: optionals.Some(dgram.Timestamp),
		Name:       pq.name,
		Answers:    answers,
	})
}

func (t *Tracker) record(q *Query) {
	if _, seen := t.byHostname[q.Name]; !seen {
		t.hostnameOrder = append(t.hostnameOrder, q.Name)
	}
	t.byHostname[q.Name] = append(t.byHostname[q.Name], q)
}

// Finish materializes every still-outstanding query as unresolved.
func (t *Tracker) Finish() {
	for _, pq := range t.pending {
		t.record(&Query{TsRequest: pq.ts, Name: pq.name})
	}
	t.pending = make(map[correlationKey]pendingQuery)
}

// ByHostname returns every query (resolved or, after Finish, unresolved)
// observed for the given question name, in observation order.
func (t *Tracker) ByHostname(name string) []*Query {
	return t.byHostname[name]
}

func (t *Tracker) Errors() []errkind.Record {
	return t.errs.Records()
}
