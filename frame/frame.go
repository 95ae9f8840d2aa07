// Package frame decodes raw captured link-layer frames into IP datagrams.
// It is the boundary between this module and gopacket's link/network layer
// decoders, which are treated as a black box: frame only asks gopacket for
// the network layer and reports failure to go further than that.
package frame

import (
	"net"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/arrowlake/pcap2har/errkind"
)

// LinkType identifies the link-layer framing of a capture.
type LinkType int

const (
	// LinkEthernet is the default link type for most captures.
	LinkEthernet LinkType = iota
	// LinkLinuxSLL is the Linux "cooked" capture link type (DLT 113),
	// used when the capturing interface has no fixed link-layer header
	// (e.g. "any" device captures).
	LinkLinuxSLL
)

// Protocol is the IP protocol number carried by a datagram.
type Protocol int

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

// IPDatagram is a decoded network-layer datagram ready for dispatch to the
// TCP or UDP subsystem.
type IPDatagram struct {
	Timestamp float64 // seconds, double precision
	SrcIP     net.IP
	DstIP     net.IP
	Protocol  Protocol
	Payload   []byte
}

// Decoder turns raw frame bytes into IPDatagrams for a single link type.
// Decode failures are recorded, never returned as an error — decoding
// continues with the next frame regardless.
type Decoder struct {
	linkType gopacket.LayerType
	errs     errkind.List
}

func NewDecoder(linkType LinkType) *Decoder {
	lt := layers.LayerTypeEthernet
	if linkType == LinkLinuxSLL {
		lt = layers.LayerTypeLinuxSLL
	}
	return &Decoder{linkType: lt}
}

// Decode decodes the index'th captured frame. index is only used to
// annotate error records. capturedLen and wireLen are the pcap record
// header's caplen and len fields; a mismatch means the frame was
// truncated at capture time and is discarded before any decode is
// attempted.
func (d *Decoder) Decode(index int, ts float64, capturedLen, wireLen int, data []byte) (IPDatagram, bool) {
	if capturedLen != wireLen {
		d.errs.Add(errkind.IncompletePacket, frameContext(index),
			errors.Errorf("captured %d of %d wire bytes", capturedLen, wireLen))
		return IPDatagram{}, false
	}

	packet := gopacket.NewPacket(data, d.linkType, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		d.errs.Add(errkind.FrameDecode, frameContext(index),
			errors.New("no network layer found"))
		return IPDatagram{}, false
	}

	var dgram IPDatagram
	dgram.Timestamp = ts

	switch nl := netLayer.(type) {
	case *layers.IPv4:
		dgram.SrcIP = nl.SrcIP
		dgram.DstIP = nl.DstIP
		dgram.Protocol = Protocol(nl.Protocol)
		dgram.Payload = nl.Payload
	case *layers.IPv6:
		dgram.SrcIP = nl.SrcIP
		dgram.DstIP = nl.DstIP
		dgram.Protocol = Protocol(nl.NextHeader)
		dgram.Payload = nl.Payload
	default:
		d.errs.Add(errkind.FrameDecode, frameContext(index),
			errors.Errorf("unsupported network layer %s", netLayer.LayerType()))
		return IPDatagram{}, false
	}

	return dgram, true
}

func (d *Decoder) Errors() []errkind.Record {
	return d.errs.Records()
}

func frameContext(index int) string {
	return "frame " + strconv.Itoa(index)
}
