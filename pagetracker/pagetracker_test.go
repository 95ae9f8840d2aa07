package pagetracker

import (
	"testing"

	"github.com/arrowlake/pcap2har/harsession"
	"github.com/arrowlake/pcap2har/httpmsg"
)

func entryForHost(host string) *harsession.Entry {
	return &harsession.Entry{Request: &httpmsg.Request{Host: host}}
}

func TestSameHostSharesOnePage(t *testing.T) {
	tr := NewByHost()

	id1, ok1 := tr.PageRef(entryForHost("example.com"))
	id2, ok2 := tr.PageRef(entryForHost("example.com"))
	if !ok1 || !ok2 || id1 != id2 {
		t.Fatalf("expected same page id for same host, got %q, %q", id1, id2)
	}

	id3, ok3 := tr.PageRef(entryForHost("other.com"))
	if !ok3 || id3 == id1 {
		t.Fatalf("expected a distinct page id for a distinct host, got %q", id3)
	}

	if len(tr.Pages()) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(tr.Pages()))
	}
}

func TestNetworkLoadTimeRecorded(t *testing.T) {
	tr := NewByHost()
	id, _ := tr.PageRef(entryForHost("example.com"))
	tr.SetNetworkLoadTime(id, 42.5)

	pages := tr.Pages()
	if len(pages) != 1 || pages[0].NetworkLoadTime != 42.5 {
		t.Fatalf("expected network load time 42.5, got %+v", pages)
	}
}

func TestEmptyHostDeclinesPage(t *testing.T) {
	tr := NewByHost()
	if _, ok := tr.PageRef(entryForHost("")); ok {
		t.Errorf("expected no page for an empty host")
	}
}
