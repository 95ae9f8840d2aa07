package dnstrack

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func client() Endpoint   { return Endpoint{IP: "10.0.0.1", Port: 51000} }
func resolver() Endpoint { return Endpoint{IP: "8.8.8.8", Port: 53} }

func encodeDNS(t *testing.T, dns layers.DNS) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	if err := dns.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestQueryResponseCorrelation(t *testing.T) {
	query := layers.DNS{
		ID: 42,
		QR: false,
		Questions: []layers.DNSQuestion{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}
	response := layers.DNS{
		ID: 42,
		QR: true,
		Questions: []layers.DNSQuestion{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
		Answers: []layers.DNSResourceRecord{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN, IP: []byte{1, 2, 3, 4}},
		},
	}

	tr := NewTracker()
	tr.Accept(Datagram{Src: client(), Dst: resolver(), Payload: encodeDNS(t, query), Timestamp: 0.00})
	tr.Accept(Datagram{Src: resolver(), Dst: client(), Payload: encodeDNS(t, response), Timestamp: 0.01})

	queries := tr.ByHostname("example.com")
	if len(queries) != 1 {
		t.Fatalf("expected 1 query, got %d", len(queries))
	}
	if d := queries[0].Duration(); d < 0.0099 || d > 0.0101 {
		t.Errorf("duration = %v, want ~0.01", d)
	}
}

func TestUnresolvedQueryAtFinish(t *testing.T) {
	query := layers.DNS{
		ID: 7,
		QR: false,
		Questions: []layers.DNSQuestion{
			{Name: []byte("unresolved.test"), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}

	tr := NewTracker()
	tr.Accept(Datagram{Src: client(), Dst: resolver(), Payload: encodeDNS(t, query), Timestamp: 1.0})
	tr.Finish()

	queries := tr.ByHostname("unresolved.test")
	if len(queries) != 1 {
		t.Fatalf("expected 1 query, got %d", len(queries))
	}
	if d := queries[0].Duration(); d != 0 {
		t.Errorf("duration = %v, want 0", d)
	}
}
