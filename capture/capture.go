// Package capture exposes a pcap file or live device as a synchronous
// iterator of raw frame records, matching the external input contract: a
// pull-based source the core pipeline drives one record at a time rather
// than a channel fed by a background goroutine.
package capture

import (
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/arrowlake/pcap2har/frame"
)

// defaultSnapLen matches tcpdump's default.
const defaultSnapLen = 262144

// Record is one raw frame as read from the capture, before link-layer
// decoding.
type Record struct {
	Timestamp   float64 // seconds
	CapturedLen int
	WireLen     int
	Data        []byte
}

// Source is a pull-based iterator over captured frames. Next returns
// io.EOF once the underlying capture is exhausted.
type Source interface {
	Next() (Record, error)
	LinkType() frame.LinkType
	Close()
}

type handleSource struct {
	handle *pcap.Handle
}

// OpenOffline opens a pcap file for sequential reading. bpf, if non-empty,
// is applied as a capture filter.
func OpenOffline(path string, bpf string) (Source, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pcap file %s", path)
	}
	if err := applyFilter(handle, bpf); err != nil {
		handle.Close()
		return nil, err
	}
	return &handleSource{handle: handle}, nil
}

// OpenLive opens a live capture device. Unlike OpenOffline, callers should
// expect Next to block waiting for traffic; the core pipeline itself never
// calls this package directly (see §5 — the core has no blocking I/O), only
// the CLI entry point does.
func OpenLive(device string, bpf string) (Source, error) {
	handle, err := pcap.OpenLive(device, defaultSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "opening device %s", device)
	}
	if err := applyFilter(handle, bpf); err != nil {
		handle.Close()
		return nil, err
	}
	return &handleSource{handle: handle}, nil
}

func applyFilter(handle *pcap.Handle, bpf string) error {
	if bpf == "" {
		return nil
	}
	if err := handle.SetBPFFilter(bpf); err != nil {
		return errors.Wrapf(err, "applying BPF filter %q", bpf)
	}
	return nil
}

func (s *handleSource) Next() (Record, error) {
	// ReadPacketData (not the zero-copy variant) returns a copy owned by
	// the caller. libpcap reuses its internal buffer on the next read, and
	// every downstream stage (frame decode with NoCopy, tcpflow's
	// memview.New) aliases Data rather than copying it, so a reused buffer
	// would corrupt already-reassembled flows in place.
	data, ci, err := s.handle.ReadPacketData()
	if err != nil {
		if err == pcap.NextErrorTimeoutExpired {
			return s.Next()
		}
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, errors.Wrap(err, "reading packet")
	}

	ts := float64(ci.Timestamp.UnixNano()) / 1e9
	return Record{
		Timestamp:   ts,
		CapturedLen: ci.CaptureLength,
		WireLen:     ci.Length,
		Data:        data,
	}, nil
}

func (s *handleSource) LinkType() frame.LinkType {
	if s.handle.LinkType() == layers.LinkTypeLinuxSLL {
		return frame.LinkLinuxSLL
	}
	return frame.LinkEthernet
}

func (s *handleSource) Close() {
	s.handle.Close()
}
