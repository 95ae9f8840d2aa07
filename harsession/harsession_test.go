package harsession

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/arrowlake/pcap2har/dnstrack"
	"github.com/arrowlake/pcap2har/tcpflow"
)

func client() tcpflow.Endpoint { return tcpflow.Endpoint{IP: "10.0.0.1", Port: 1234} }
func server() tcpflow.Endpoint { return tcpflow.Endpoint{IP: "10.0.0.2", Port: 80} }

func req(host, path string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
}

func resp(body string) string {
	return "HTTP/1.1 200 OK\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n" + body
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}

// noPages is a PageTracker that never assigns a page, for scenarios that
// don't exercise page grouping.
type noPages struct{}

func (noPages) PageRef(*Entry) (string, bool)   { return "", false }
func (noPages) SetNetworkLoadTime(string, float64) {}

func TestSingleGetTwoHundred(t *testing.T) {
	tcp := tcpflow.NewReassembler()
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 0, SYN: true, Timestamp: 0.000})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 0, SYN: true, ACK: true, Timestamp: 0.010})
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 1, ACK: true, Timestamp: 0.011})

	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 1, Payload: []byte(req("x", "/a")), Timestamp: 0.020})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 1, Payload: []byte(resp("abc")), Timestamp: 0.050})

	dns := dnstrack.NewTracker()
	sess := Build(tcp, dns, noPages{}, Config{KeepUnfulfilledRequests: true})

	if len(sess.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(sess.Entries))
	}
	e := sess.Entries[0]
	if e.TimeConnecting != 10 {
		t.Errorf("time_connecting = %v, want 10", e.TimeConnecting)
	}
}

func TestTwoPipelinedRequestsOrderedByTsStart(t *testing.T) {
	tcp := tcpflow.NewReassembler()
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 0, SYN: true, Timestamp: 0})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 0, SYN: true, ACK: true, Timestamp: 0.001})

	r1, r2 := req("x", "/a"), req("x", "/b")
	s1, s2 := resp("aa"), resp("bb")
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 1, Payload: []byte(r1), Timestamp: 0.10})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 1, Payload: []byte(s1), Timestamp: 0.15})
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 1 + uint32(len(r1)), Payload: []byte(r2), Timestamp: 0.20})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 1 + uint32(len(s1)), Payload: []byte(s2), Timestamp: 0.25})

	dns := dnstrack.NewTracker()
	sess := Build(tcp, dns, noPages{}, Config{})

	if len(sess.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(sess.Entries))
	}
	if sess.Entries[0].Request.URI != "/a" || sess.Entries[1].Request.URI != "/b" {
		t.Errorf("entries out of order: %s, %s", sess.Entries[0].Request.URI, sess.Entries[1].Request.URI)
	}
}

func TestUnfulfilledRequestKeptOrDropped(t *testing.T) {
	tcp := tcpflow.NewReassembler()
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 0, SYN: true, Timestamp: 0})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 0, SYN: true, ACK: true, Timestamp: 0.001})
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 1, Payload: []byte(req("x", "/a")), Timestamp: 0.10})

	dns := dnstrack.NewTracker()

	keep := Build(tcp, dns, noPages{}, Config{KeepUnfulfilledRequests: true})
	if len(keep.Entries) != 1 {
		t.Fatalf("expected 1 kept entry, got %d", len(keep.Entries))
	}
	if keep.Entries[0].TimeWaiting != unknownTiming {
		t.Errorf("time_waiting = %v, want -1", keep.Entries[0].TimeWaiting)
	}
	if keep.Entries[0].TotalTime != unknownTiming {
		t.Errorf("total_time = %v, want -1", keep.Entries[0].TotalTime)
	}

	drop := Build(tcp, dns, noPages{}, Config{KeepUnfulfilledRequests: false})
	if len(drop.Entries) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(drop.Entries))
	}
}

func encodeDNS(t *testing.T, dns layers.DNS) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	if err := dns.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestDNSAttributedOnlyToFirstEntryForHost(t *testing.T) {
	tcp := tcpflow.NewReassembler()
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 0, SYN: true, Timestamp: 0})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 0, SYN: true, ACK: true, Timestamp: 0})

	r1, r2 := req("x", "/a"), req("x", "/b")
	s1, s2 := resp("1"), resp("2")
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 1, Payload: []byte(r1), Timestamp: 0.02})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 1, Payload: []byte(s1), Timestamp: 0.021})
	tcp.Accept(tcpflow.Segment{Src: client(), Dst: server(), Seq: 1 + uint32(len(r1)), Payload: []byte(r2), Timestamp: 0.03})
	tcp.Accept(tcpflow.Segment{Src: server(), Dst: client(), Seq: 1 + uint32(len(s1)), Payload: []byte(s2), Timestamp: 0.031})

	dnsResolver := dnstrack.Endpoint{IP: "8.8.8.8", Port: 53}
	dnsClient := dnstrack.Endpoint{IP: "10.0.0.1", Port: 55000}
	dns := dnstrack.NewTracker()
	q := layers.DNS{ID: 1, QR: false, Questions: []layers.DNSQuestion{{Name: []byte("x"), Type: layers.DNSTypeA}}}
	a := layers.DNS{
		ID: 1, QR: true,
		Questions: []layers.DNSQuestion{{Name: []byte("x"), Type: layers.DNSTypeA}},
		Answers:   []layers.DNSResourceRecord{{Name: []byte("x"), Type: layers.DNSTypeA, IP: []byte{1, 2, 3, 4}}},
	}
	dns.Accept(dnstrack.Datagram{
		Src: dnsClient, Dst: dnsResolver,
		Payload: encodeDNS(t, q), Timestamp: 0.00,
	})
	dns.Accept(dnstrack.Datagram{
		Src: dnsResolver, Dst: dnsClient,
		Payload: encodeDNS(t, a), Timestamp: 0.01,
	})

	sess := Build(tcp, dns, noPages{}, Config{})
	if len(sess.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(sess.Entries))
	}
	if sess.Entries[0].TimeDNSing != 10 {
		t.Errorf("first entry time_dnsing = %v, want 10", sess.Entries[0].TimeDNSing)
	}
	if sess.Entries[1].TimeDNSing != unknownTiming {
		t.Errorf("second entry time_dnsing = %v, want -1", sess.Entries[1].TimeDNSing)
	}
}

func TestUserAgentTrackerDominantTiesBrokenByFirstInsertion(t *testing.T) {
	var tr UserAgentTracker
	tr.Add("curl/7.0")
	tr.Add("Mozilla/5.0")
	tr.Add("curl/7.0")
	tr.Add("Mozilla/5.0")

	got, ok := tr.Dominant()
	if !ok || got != "curl/7.0" {
		t.Errorf("Dominant() = %q, %v, want curl/7.0 (first inserted, tied count)", got, ok)
	}
}

func TestDominantUserAgentNoRequestsHasNone(t *testing.T) {
	var tr UserAgentTracker
	if _, ok := tr.Dominant(); ok {
		t.Errorf("expected no dominant user agent on an empty tracker")
	}
}
