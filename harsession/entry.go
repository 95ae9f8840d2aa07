package harsession

import (
	"github.com/arrowlake/pcap2har/dnstrack"
	"github.com/arrowlake/pcap2har/flowanalysis"
	"github.com/arrowlake/pcap2har/httpmsg"
	"github.com/arrowlake/pcap2har/optionals"
)

// unknownTiming is the sentinel for a timing component that cannot be
// computed, per §3/§4.8.
const unknownTiming = -1

const millisecondsPerSecond = 1000.0

// Entry is a MessagePair enriched with timing and page context (§3's
// Entry, components G+H).
type Entry struct {
	Request  *httpmsg.Request
	Response *httpmsg.Response

	// TsStart is request.ts_connect converted to milliseconds; it drives
	// both the session's processing order (§4.7) and the output's entry
	// ordering and startedDateTime (§6). None if the TCP direction's
	// connect timing was never observed.
	TsStart optionals.Optional[float64]

	PageRef    string
	HasPageRef bool

	TimeBlocked    float64
	TimeDNSing     float64
	TimeConnecting float64
	TimeGap        float64
	TimeSending    float64
	TimeWaiting    float64
	TimeReceiving  float64
	Time           float64
	TotalTime      float64
}

func newEntry(pair flowanalysis.Pair) *Entry {
	req, resp := pair.Request, pair.Response

	e := &Entry{
		Request:        req,
		Response:       resp,
		TsStart:        optionals.Map(req.TsConnect, msFromSeconds),
		TimeBlocked:    unknownTiming,
		TimeDNSing:     unknownTiming,
		TimeWaiting:    unknownTiming,
		TimeReceiving:  unknownTiming,
		Time:           unknownTiming,
		TotalTime:      unknownTiming,
		TimeConnecting: msDiff(req.TsConnectEnd, req.TsConnect),
		TimeGap:        msDiff(optionals.Some(req.TsStart), req.TsConnectEnd),
		TimeSending:    msFromSeconds(req.TsEnd) - msFromSeconds(req.TsStart),
	}

	if resp != nil {
		e.TimeWaiting = msFromSeconds(resp.TsStart) - msFromSeconds(req.TsEnd)
		e.TimeReceiving = msFromSeconds(resp.TsEnd) - msFromSeconds(resp.TsStart)
		if ts, ok := req.TsConnect.Get(); ok {
			e.Time = msFromSeconds(resp.TsEnd) - msFromSeconds(ts)
		} else {
			e.Time = msFromSeconds(resp.TsEnd) - msFromSeconds(req.TsStart)
		}
	}

	return e
}

// addDNS folds one DNSQuery's resolution duration into time_dnsing,
// accumulating across every query indexed under the host's name (§4.7,
// resolving the Open Question in favor of accumulation over last-wins).
func (e *Entry) addDNS(q *dnstrack.Query) {
	d := msFromSeconds(q.Duration())
	if e.TimeDNSing < 0 {
		e.TimeDNSing = d
	} else {
		e.TimeDNSing += d
	}
}

// calcTotalTime computes total_time = time + dnsing + blocked, preserving
// the unknown sentinel if time itself is unknown (§4.8).
func (e *Entry) calcTotalTime() {
	total := e.Time
	if e.TimeDNSing >= 0 && total >= 0 {
		total += e.TimeDNSing
	}
	if e.TimeBlocked >= 0 && total >= 0 {
		total += e.TimeBlocked
	}
	e.TotalTime = total
}

func msFromSeconds(ts float64) float64 {
	return ts * millisecondsPerSecond
}

// msDiff returns (end - start) in milliseconds, or unknownTiming if
// either side is unknown.
func msDiff(end, start optionals.Optional[float64]) float64 {
	e, ok1 := end.Get()
	s, ok2 := start.Get()
	if !ok1 || !ok2 {
		return unknownTiming
	}
	return msFromSeconds(e) - msFromSeconds(s)
}
