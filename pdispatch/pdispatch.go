// Package pdispatch routes decoded IP datagrams to the TCP reassembler or
// the DNS tracker by protocol, and drives end-of-input finalization of
// both.
package pdispatch

import (
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/arrowlake/pcap2har/dnstrack"
	"github.com/arrowlake/pcap2har/errkind"
	"github.com/arrowlake/pcap2har/frame"
	"github.com/arrowlake/pcap2har/tcpflow"
)

const dnsPort = 53

// Dispatcher decodes the transport layer of each IP datagram and routes it
// to the TCP or UDP subsystem. Any other protocol is ignored, per §4.2.
type Dispatcher struct {
	tcp  *tcpflow.Reassembler
	dns  *dnstrack.Tracker
	errs errkind.List
}

func New(tcp *tcpflow.Reassembler, dns *dnstrack.Tracker) *Dispatcher {
	return &Dispatcher{tcp: tcp, dns: dns}
}

// Dispatch routes one decoded datagram. index is only used to annotate
// error records.
func (d *Dispatcher) Dispatch(index int, dgram frame.IPDatagram) {
	switch dgram.Protocol {
	case frame.ProtocolTCP:
		d.dispatchTCP(index, dgram)
	case frame.ProtocolUDP:
		d.dispatchUDP(index, dgram)
	default:
		// Non TCP/UDP protocols are outside the reconstruction pipeline's
		// scope and are silently ignored.
	}
}

func (d *Dispatcher) dispatchTCP(index int, dgram frame.IPDatagram) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(dgram.Payload, gopacket.NilDecodeFeedback); err != nil {
		d.errs.Add(errkind.FrameDecode, frameContext(index), errors.Wrap(err, "decoding TCP segment"))
		return
	}

	d.tcp.Accept(tcpflow.Segment{
		Src:       tcpflow.Endpoint{IP: dgram.SrcIP.String(), Port: uint16(tcp.SrcPort)},
		Dst:       tcpflow.Endpoint{IP: dgram.DstIP.String(), Port: uint16(tcp.DstPort)},
		Seq:       tcp.Seq,
		SYN:       tcp.SYN,
		ACK:       tcp.ACK,
		FIN:       tcp.FIN,
		RST:       tcp.RST,
		Payload:   tcp.Payload,
		Timestamp: dgram.Timestamp,
	})
}

func (d *Dispatcher) dispatchUDP(index int, dgram frame.IPDatagram) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(dgram.Payload, gopacket.NilDecodeFeedback); err != nil {
		d.errs.Add(errkind.FrameDecode, frameContext(index), errors.Wrap(err, "decoding UDP datagram"))
		return
	}

	if udp.SrcPort != dnsPort && udp.DstPort != dnsPort {
		return
	}

	d.dns.Accept(dnstrack.Datagram{
		Src:       dnstrack.Endpoint{IP: dgram.SrcIP.String(), Port: uint16(udp.SrcPort)},
		Dst:       dnstrack.Endpoint{IP: dgram.DstIP.String(), Port: uint16(udp.DstPort)},
		Payload:   udp.Payload,
		Timestamp: dgram.Timestamp,
	})
}

// Finish flushes both subsystems so pending flows/queries are finalized.
func (d *Dispatcher) Finish() {
	d.tcp.Finish()
	d.dns.Finish()
}

func (d *Dispatcher) Errors() []errkind.Record {
	return d.errs.Records()
}

func frameContext(index int) string {
	return "frame " + strconv.Itoa(index)
}
