// Package flowanalysis implements component E: deciding which of a TCP
// flow's two directions carries requests versus responses, framing both,
// and pairing the results into MessagePairs.
//
// Grounded on _examples/original_source/http/flow.py's Flow/parse_streams/
// find_index, carried over to Go's synchronous Framer rather than dpkt's
// exception-based parsing.
package flowanalysis

import (
	"io"
	"sort"

	"github.com/arrowlake/pcap2har/errkind"
	"github.com/arrowlake/pcap2har/httpmsg"
	"github.com/arrowlake/pcap2har/tcpflow"
)

// Pair is a request matched with at most one response (the spec's
// MessagePair). Response is nil for an unfulfilled request.
type Pair struct {
	Request  *httpmsg.Request
	Response *httpmsg.Response
}

// Analyzer frames and pairs every flow handed to it, accumulating
// non-fatal errors along the way.
type Analyzer struct {
	dropResponseBodies bool
	errs               errkind.List
}

func New(dropResponseBodies bool) *Analyzer {
	return &Analyzer{dropResponseBodies: dropResponseBodies}
}

// Analyze frames flow's two directions and pairs the result, per §4.5.
// A flow that fails to parse as HTTP in either orientation yields no pairs
// and a NotHttpFlow error record; this is non-fatal.
func (a *Analyzer) Analyze(flow *tcpflow.TCPFlow) []Pair {
	tsConnect, tsConnectEnd := flow.ConnectTiming()

	requests, responses, ok := a.tryOrientation(flow.Forward(), flow.Reverse())
	if !ok {
		requests, responses, ok = a.tryOrientation(flow.Reverse(), flow.Forward())
	}
	if !ok {
		a.errs.Add(errkind.NotHttpFlow, "", errNotHTTP)
		return nil
	}

	for _, req := range requests {
		req.TsConnect = tsConnect
		req.TsConnectEnd = tsConnectEnd
	}

	return pair(requests, responses)
}

// tryOrientation attempts to frame reqDir as a sequence of Requests and
// respDir as a sequence of Responses. Both directions are drained fully
// before returning; the shared MethodQueue lets the Response framer apply
// the HEAD-has-no-body policy (§4.4 step 4) correctly, since a direction's
// requests are always framed to completion first.
func (a *Analyzer) tryOrientation(reqDir, respDir *tcpflow.TCPDirection) ([]*httpmsg.Request, []*httpmsg.Response, bool) {
	methods := &httpmsg.MethodQueue{}

	reqFramer := httpmsg.NewFramer(reqDir.Data(), reqDir.ArrivalTime, httpmsg.ClassRequest, false, methods)
	requests, err := drainRequests(reqFramer)
	if err != nil {
		return nil, nil, false
	}

	respFramer := httpmsg.NewFramer(respDir.Data(), respDir.ArrivalTime, httpmsg.ClassResponse, a.dropResponseBodies, methods)
	responses, err := drainResponses(respFramer)
	if err != nil {
		return nil, nil, false
	}

	return requests, responses, true
}

func drainRequests(f *httpmsg.Framer) ([]*httpmsg.Request, error) {
	var out []*httpmsg.Request
	for {
		req, _, err := f.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
}

func drainResponses(f *httpmsg.Framer) ([]*httpmsg.Response, error) {
	var out []*httpmsg.Response
	for {
		_, resp, err := f.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
}

// pair implements §4.5's pairing algorithm: orphaned responses (those
// arriving before the first request) are trimmed off the front, requests
// and the remaining "pairable" responses are zipped in order, and any
// leftover requests are paired with a nil response. Whenever there are no
// pairable responses at all — because none exist, or because every
// response observed is an orphan — every request ends up paired with
// null rather than the pairing disappearing outright (§8 scenario 4).
func pair(requests []*httpmsg.Request, responses []*httpmsg.Response) []Pair {
	if len(requests) == 0 {
		return nil
	}

	firstReqStart := requests[0].TsStart
	j := sort.Search(len(responses), func(i int) bool {
		return responses[i].TsStart > firstReqStart
	})
	pairable := responses[j:]

	pairs := make([]Pair, 0, len(requests))
	for i, req := range requests {
		var resp *httpmsg.Response
		if i < len(pairable) {
			resp = pairable[i]
		}
		pairs = append(pairs, Pair{Request: req, Response: resp})
	}
	return pairs
}

func (a *Analyzer) Errors() []errkind.Record {
	return a.errs.Records()
}

var errNotHTTP = notHTTPError{}

type notHTTPError struct{}

func (notHTTPError) Error() string { return "TCP flow does not contain HTTP in either direction" }

// Host returns the host the pair was addressed to, for DNS/hostname
// correlation (§4.7). Defined here rather than on httpmsg.Request since
// it is only meaningful once a request has survived pairing.
func Host(p Pair) string {
	return p.Request.Host
}
