// Package harsession implements components G and H: it merges every TCP
// flow's paired HTTP messages into a single timestamp-ordered list of
// Entries, attaches DNS resolution timing and page network-load
// intervals, and tracks the dominant User-Agent string.
//
// Grounded on _examples/original_source/pcap2har/httpsession.py's
// HttpSession/Entry/UserAgentTracker.
package harsession

import (
	"sort"

	"github.com/arrowlake/pcap2har/dnstrack"
	"github.com/arrowlake/pcap2har/errkind"
	"github.com/arrowlake/pcap2har/flowanalysis"
	"github.com/arrowlake/pcap2har/optionals"
	"github.com/arrowlake/pcap2har/sets"
	"github.com/arrowlake/pcap2har/tcpflow"
)

// PageTracker is the external page-grouping collaborator (§1, §9): it is
// implemented outside this package (the core treats it as a black box)
// and is consulted once per Entry created, before that Entry is kept or
// dropped, then written back to once per page after every Entry's timing
// has been computed.
type PageTracker interface {
	// PageRef returns the page id this entry belongs to, and whether the
	// entry should be attributed to a page at all.
	PageRef(e *Entry) (pageID string, ok bool)
	// SetNetworkLoadTime records a page's computed network-load interval,
	// in milliseconds.
	SetNetworkLoadTime(pageID string, networkLoadTimeMs float64)
}

// Config is the session's explicit, constructor-passed configuration
// (§6, §9 — no ambient/package-level state).
type Config struct {
	DropResponseBodies      bool
	ProcessPages            bool
	KeepUnfulfilledRequests bool
}

// UserAgentTracker counts how many requests used each exact User-Agent
// string, and reports the most-used one, ties broken by first insertion
// (§3). The insertion-order slice alongside the count map keeps Dominant
// deterministic rather than dependent on Go's randomized map iteration.
type UserAgentTracker struct {
	counts map[string]int
	order  []string
}

func (t *UserAgentTracker) Add(ua string) {
	if t.counts == nil {
		t.counts = make(map[string]int)
	}
	if _, seen := t.counts[ua]; !seen {
		t.order = append(t.order, ua)
	}
	t.counts[ua]++
}

// Dominant returns the most-used User-Agent string, or ("", false) if
// none were ever added.
func (t *UserAgentTracker) Dominant() (string, bool) {
	if len(t.order) == 0 {
		return "", false
	}
	best := t.order[0]
	bestCount := t.counts[best]
	for _, ua := range t.order[1:] {
		if t.counts[ua] > bestCount {
			best, bestCount = ua, t.counts[ua]
		}
	}
	return best, true
}

// Session is all HTTP traffic reconstructed from one trace, ready for
// output-model conversion.
type Session struct {
	Entries           []*Entry
	UserAgents        UserAgentTracker
	DominantUserAgent string
	HasDominantUA     bool

	flowErrors []errkind.Record
}

// Build runs components E, G and H over every flow the reassembler has
// seen, using dns to attach resolution timing and pages (if cfg.ProcessPages)
// to assign and size page groups.
func Build(tcp *tcpflow.Reassembler, dns *dnstrack.Tracker, pages PageTracker, cfg Config) *Session {
	analyzer := flowanalysis.New(cfg.DropResponseBodies)

	var allPairs []flowanalysis.Pair
	for _, flow := range tcp.Flows() {
		allPairs = append(allPairs, analyzer.Analyze(flow)...)
	}

	sort.SliceStable(allPairs, func(i, j int) bool {
		return pairSortKey(allPairs[i]) < pairSortKey(allPairs[j])
	})

	sess := &Session{flowErrors: analyzer.Errors()}

	for _, p := range allPairs {
		entry := newEntry(p)

		if ua, ok := p.Request.Headers.Get("User-Agent"); ok {
			sess.UserAgents.Add(ua)
		}

		if cfg.ProcessPages && pages != nil {
			if ref, ok := pages.PageRef(entry); ok {
				entry.PageRef, entry.HasPageRef = ref, true
			}
		}

		if entry.Response != nil || cfg.KeepUnfulfilledRequests {
			sess.Entries = append(sess.Entries, entry)
		}
	}

	sess.DominantUserAgent, sess.HasDominantUA = sess.UserAgents.Dominant()

	attachDNS(sess.Entries, dns)

	if cfg.ProcessPages && pages != nil {
		attachPageLoadTimes(sess.Entries, pages)
	}

	return sess
}

// pairSortKey sorts pairs on request.ts_connect, with a null ts_connect
// (never actually produced by tcpflow, but defensively handled) sorting
// last (§4.7).
func pairSortKey(p flowanalysis.Pair) float64 {
	if ts, ok := p.Request.TsConnect.Get(); ok {
		return ts
	}
	return maxSortKey
}

const maxSortKey = 1<<63 - 1

// attachDNS walks entries in already-sorted order and, for each hostname,
// attributes every DNSQuery's duration under that name to only the first
// entry that mentions it — the trace shows the name resolved once before
// first use; caches serve later uses (§4.7).
func attachDNS(entries []*Entry, dns *dnstrack.Tracker) {
	seen := sets.NewSet[string]()
	for _, e := range entries {
		name := e.Request.Host
		if !seen.Contains(name) {
			seen.Insert(name)
			for _, q := range dns.ByHostname(name) {
				e.addDNS(q)
			}
		}
		e.calcTotalTime()
	}
}

type pageInterval struct {
	minStart float64
	maxEnd   float64
}

// attachPageLoadTimes computes, for each page id, the interval spanning
// its earliest entry start and its latest entry end, and writes the
// resulting network_load_time back through the PageTracker (§4.7).
// Entries whose TsStart is unknown are excluded from every page's bounds,
// since there is no interval to contribute.
func attachPageLoadTimes(entries []*Entry, pages PageTracker) {
	intervals := make(map[string]*pageInterval)
	var order []string
	for _, e := range entries {
		if !e.HasPageRef {
			continue
		}
		start, ok := e.TsStart.Get()
		if !ok {
			continue
		}
		end := start + e.TotalTime

		iv, exists := intervals[e.PageRef]
		if !exists {
			intervals[e.PageRef] = &pageInterval{minStart: start, maxEnd: end}
			order = append(order, e.PageRef)
			continue
		}
		if start < iv.minStart {
			iv.minStart = start
		}
		if end > iv.maxEnd {
			iv.maxEnd = end
		}
	}

	for _, pageID := range order {
		iv := intervals[pageID]
		pages.SetNetworkLoadTime(pageID, iv.maxEnd-iv.minStart)
	}
}

func (s *Session) Errors() []errkind.Record {
	return s.flowErrors
}
