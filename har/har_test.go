package har

import (
	"testing"

	"github.com/arrowlake/pcap2har/dnstrack"
	"github.com/arrowlake/pcap2har/harsession"
	"github.com/arrowlake/pcap2har/tcpflow"
)

func client() tcpflow.Endpoint { return tcpflow.Endpoint{IP: "10.0.0.1", Port: 1234} }
func server() tcpflow.Endpoint { return tcpflow.Endpoint{IP: "10.0.0.2", Port: 80} }

type noPages struct{}

func (noPages) PageRef(*harsession.Entry) (string, bool) { return "", false }
func (noPages) SetNetworkLoadTime(string, float64)       {}

func TestBuildSingleEntryHasGapTimingKey(t *testing.T) {
	tcp := tcpflow.NewReassembler()
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 0, SYN: true, Timestamp: 0.000})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 0, SYN: true, ACK: true, Timestamp: 0.010})

	req := "GET /a?x=1&y=2 HTTP/1.1\r\nHost: example.com\r\nUser-Agent: curl/7.0\r\n\r\n"
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc"
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 1, Payload: []byte(req), Timestamp: 0.020})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 1, Payload: []byte(resp), Timestamp: 0.050})

	sess := harsession.Build(tcp, dnstrack.NewTracker(), noPages{}, harsession.Config{})

	log := Build(sess, nil, Config{CreatorName: "pcap2har", CreatorVersion: "test"})

	if log.Version != "1.1" {
		t.Fatalf("version = %q, want 1.1", log.Version)
	}
	if len(log.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(log.Entries))
	}
	e := log.Entries[0]
	if e.Request.Method != "GET" || e.Request.URL != "http://example.com/a?x=1&y=2" {
		t.Errorf("request mismatch: %+v", e.Request)
	}
	if len(e.Request.QueryString) != 2 || e.Request.QueryString[0].Name != "x" {
		t.Errorf("query string mismatch: %+v", e.Request.QueryString)
	}
	if e.Response.Status != 200 || e.Response.Content.Text != "abc" {
		t.Errorf("response mismatch: %+v", e.Response)
	}
	if e.Timings.Connect != 10 {
		t.Errorf("connect timing = %d, want 10", e.Timings.Connect)
	}
	if log.Browser == nil || log.Browser.Name != "curl/7.0" {
		t.Errorf("browser = %+v, want curl/7.0", log.Browser)
	}
}

func TestBuildUnfulfilledRequestHasZeroStatus(t *testing.T) {
	tcp := tcpflow.NewReassembler()
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 0, SYN: true, Timestamp: 0})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 0, SYN: true, ACK: true, Timestamp: 0.001})
	tcp.Accept(tcpflow.Segment{
		Src: client(), Dst: server(), Seq: 1,
		Payload:   []byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\n"),
		Timestamp: 0.10,
	})

	sess := harsession.Build(tcp, dnstrack.NewTracker(), noPages{}, harsession.Config{KeepUnfulfilledRequests: true})
	log := Build(sess, nil, Config{CreatorName: "pcap2har", CreatorVersion: "test"})

	if len(log.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(log.Entries))
	}
	if log.Entries[0].Response.Status != 0 {
		t.Errorf("status = %d, want 0 for an unfulfilled request", log.Entries[0].Response.Status)
	}
	if log.Entries[0].Timings.Wait != -1 {
		t.Errorf("wait = %d, want -1", log.Entries[0].Timings.Wait)
	}
}
