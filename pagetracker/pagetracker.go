// Package pagetracker provides a default implementation of
// harsession.PageTracker — the page-grouping heuristic §1 and §9 name as
// an external collaborator the core pipeline only ever sees through an
// interface. The core never imports this package; it is wired in by the
// caller (typically cmd/pcap2har) when process_pages is enabled.
//
// Grounded on _examples/original_source/pcap2har/httpsession.py's usage
// of a PageTracker with getref(entry) and a pages collection; the
// original PageTracker implementation itself was not part of the
// retrieved source, so the grouping heuristic below (one page per
// distinct request host, in first-seen order) is this module's own
// reasonable default rather than a port.
package pagetracker

import (
	"github.com/arrowlake/pcap2har/har"
	"github.com/arrowlake/pcap2har/harsession"
)

// ByHost groups entries into one page per distinct request host, in the
// order each host is first seen. It satisfies harsession.PageTracker, and
// its Pages method satisfies gopcap's page-listing convention so a caller
// wiring this tracker into a full run gets log.pages for free.
type ByHost struct {
	pages []*har.Page
	index map[string]*har.Page
}

func NewByHost() *ByHost {
	return &ByHost{index: make(map[string]*har.Page)}
}

// PageRef assigns e to the page for its request's host, creating that
// page on first sight. It declines to assign a page only when the request
// has no host.
func (t *ByHost) PageRef(e *harsession.Entry) (string, bool) {
	host := e.Request.Host
	if host == "" {
		return "", false
	}
	if p, ok := t.index[host]; ok {
		return p.ID, true
	}
	p := &har.Page{ID: host}
	t.index[host] = p
	t.pages = append(t.pages, p)
	return p.ID, true
}

// SetNetworkLoadTime records the aggregated network-load interval for a
// page id, as computed by harsession.Build's page-aggregation pass.
func (t *ByHost) SetNetworkLoadTime(pageID string, networkLoadTimeMs float64) {
	if p, ok := t.index[pageID]; ok {
		p.NetworkLoadTime = networkLoadTimeMs
	}
}

// Pages returns every page this tracker has assigned, in first-seen
// order, with their final network load times filled in.
func (t *ByHost) Pages() []har.Page {
	out := make([]har.Page, len(t.pages))
	for i, p := range t.pages {
		out[i] = *p
	}
	return out
}
