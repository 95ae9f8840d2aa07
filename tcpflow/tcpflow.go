// Package tcpflow reassembles TCP segments into per-flow, per-direction
// byte streams with per-byte arrival timestamps. Reassembly is entirely
// synchronous and single-threaded: a caller drives it one segment at a
// time, in capture order, and calls Finish at end of input. There is no
// goroutine, channel, or background flush timer anywhere in this package —
// every flow/connection lifecycle decision is a pure function of the
// segments seen so far.
//
// The segment-buffering and overlap-trimming policy below is implemented
// directly rather than delegated to gopacket/reassembly's Assembler, which
// hides exactly the decisions this package needs to make explicit. Only
// gopacket/reassembly's Sequence type is reused, for its wraparound-safe
// 32-bit sequence arithmetic.
package tcpflow

import (
	"github.com/google/gopacket/reassembly"
	"github.com/pkg/errors"

	"github.com/arrowlake/pcap2har/errkind"
	"github.com/arrowlake/pcap2har/gid"
	"github.com/arrowlake/pcap2har/optionals"
)

var (
	errAlreadyClosed  = errors.New("segment on already-closed direction")
	errBufferOverflow = errors.New("per-direction buffer cap exceeded")
)

// DefaultMaxBufferedBytes is the recommended per-direction cap on bytes held
// in the out-of-order buffer (segments arrived ahead of the expected
// sequence number) before the flow is dropped rather than left to grow
// unboundedly.
const DefaultMaxBufferedBytes = 16 << 20 // 16 MiB

// Endpoint is one half of a TCP 4-tuple.
type Endpoint struct {
	IP   string
	Port uint16
}

// FlowKey identifies a TCP flow by its unordered pair of endpoints: two
// segments belong to the same flow regardless of which side sent them.
type FlowKey struct {
	A, B Endpoint
}

func newFlowKey(src, dst Endpoint) FlowKey {
	if lessEndpoint(dst, src) {
		src, dst = dst, src
	}
	return FlowKey{A: src, B: dst}
}

func lessEndpoint(a, b Endpoint) bool {
	if a.IP != b.IP {
		return a.IP < b.IP
	}
	return a.Port < b.Port
}

// Segment is one observed TCP segment, already demultiplexed from its IP
// datagram by the dispatcher.
type Segment struct {
	Src, Dst  Endpoint
	Seq       uint32
	SYN       bool
	ACK       bool
	FIN       bool
	RST       bool
	Payload   []byte
	Timestamp float64
}

// Role names the two directions of a flow.
type Role int

const (
	RoleForward Role = iota
	RoleReverse
)

// Option configures a Reassembler. There is no ambient/package-level
// configuration; every Reassembler is configured explicitly at
// construction.
type Option func(*Reassembler)

// WithMaxBufferedBytes overrides DefaultMaxBufferedBytes.
func WithMaxBufferedBytes(n int64) Option {
	return func(r *Reassembler) {
		r.maxBufferedBytes = n
	}
}

// Reassembler owns every in-flight and finished TCP flow for one trace.
type Reassembler struct {
	flows            map[FlowKey]*TCPFlow
	order            []FlowKey
	maxBufferedBytes int64
	errs             errkind.List
}

func NewReassembler(opts ...Option) *Reassembler {
	r := &Reassembler{
		flows:            make(map[FlowKey]*TCPFlow),
		maxBufferedBytes: DefaultMaxBufferedBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Accept processes one segment. Segments for a closed direction are dropped
// with a TcpAnomaly record. A segment that would overflow its direction's
// buffer drops the whole flow with a TcpAnomaly record; a later segment
// between the same endpoints starts a new flow. Accept never returns an
// error to the caller, per the core's error accumulation policy.
func (r *Reassembler) Accept(seg Segment) {
	key := newFlowKey(seg.Src, seg.Dst)

	flow, exists := r.flows[key]
	if !exists {
		flow = newTCPFlow(key, seg)
		r.flows[key] = flow
		r.order = append(r.order, key)
	} else {
		flow.observeConnectTiming(seg)
	}

	dir := flow.directionFor(seg.Src)
	if dir.closed {
		r.errs.Add(errkind.TcpAnomaly, flowContext(key), errAlreadyClosed)
		return
	}

	dataSeq := reassembly.Sequence(int64(seg.Seq))
	if seg.SYN {
		dataSeq = dataSeq.Add(1)
		// The ISN fixes where this direction's data starts, so segments
		// that arrive ahead of the first in-order one are buffered.
		if !dir.initialized {
			dir.nextSeq = dataSeq
			dir.initialized = true
		}
	}

	if len(seg.Payload) > 0 {
		if overflow := dir.accept(dataSeq, seg.Payload, seg.Timestamp, r.maxBufferedBytes); overflow {
			r.errs.Add(errkind.TcpAnomaly, flowContext(key), errBufferOverflow)
			delete(r.flows, key)
			return
		}
	}

	if seg.FIN || seg.RST {
		dir.closed = true
	}
	if seg.RST {
		flow.reset = true
	}
}

// Finish flushes all remaining flows: per §4.3, end-of-input closes every
// flow unconditionally, regardless of whether FIN/RST was observed.
func (r *Reassembler) Finish() {
	for _, flow := range r.flows {
		flow.fwd.closed = true
		flow.rev.closed = true
	}
}

// Flows returns every flow seen, in the order each was first created.
func (r *Reassembler) Flows() []*TCPFlow {
	out := make([]*TCPFlow, 0, len(r.order))
	for _, key := range r.order {
		if flow, ok := r.flows[key]; ok {
			out = append(out, flow)
		}
	}
	return out
}

func (r *Reassembler) Errors() []errkind.Record {
	return r.errs.Records()
}

// TCPFlow is one TCP connection: a pair of directional byte streams plus
// the connection-level timing observed while assigning them.
type TCPFlow struct {
	id  gid.ConnectionID
	key FlowKey

	clientEndpoint Endpoint
	fwd            *TCPDirection
	rev            *TCPDirection

	tsConnect    optionals.Optional[float64]
	tsConnectEnd optionals.Optional[float64]
	reset        bool
}

func newTCPFlow(key FlowKey, first Segment) *TCPFlow {
	flow := &TCPFlow{
		id:             gid.GenerateConnectionID(),
		key:            key,
		clientEndpoint: first.Src,
		fwd:            newDirection(),
		rev:            newDirection(),
		tsConnect:      optionals.Some(first.Timestamp),
	}
	if first.SYN && first.ACK {
		// Pathological (a SYN-ACK as the first segment ever observed for a
		// flow implies we missed the client's SYN entirely), but still a
		// valid "first server byte" observation.
		flow.tsConnectEnd = optionals.Some(first.Timestamp)
	}
	return flow
}

// observeConnectTiming updates ts_connect_end the first time we see either
// the server's SYN-ACK, or (if that was missed) the first byte from the
// non-client side.
func (f *TCPFlow) observeConnectTiming(seg Segment) {
	if f.tsConnectEnd.IsSome() {
		return
	}
	fromServer := seg.Src != f.clientEndpoint
	if !fromServer {
		return
	}
	if seg.SYN && seg.ACK {
		f.tsConnectEnd = optionals.Some(seg.Timestamp)
		return
	}
	if len(seg.Payload) > 0 {
		f.tsConnectEnd = optionals.Some(seg.Timestamp)
	}
}

func (f *TCPFlow) directionFor(src Endpoint) *TCPDirection {
	if src == f.clientEndpoint {
		return f.fwd
	}
	return f.rev
}

func (f *TCPFlow) ID() gid.ConnectionID { return f.id }

// Forward is the direction from the first-seen SYN originator to its peer
// (or, if no SYN was seen, the direction of the first segment observed).
func (f *TCPFlow) Forward() *TCPDirection { return f.fwd }

// Reverse is the other direction.
func (f *TCPFlow) Reverse() *TCPDirection { return f.rev }

// ConnectTiming returns ts_connect and ts_connect_end, shared by both
// directions.
func (f *TCPFlow) ConnectTiming() (optionals.Optional[float64], optionals.Optional[float64]) {
	return f.tsConnect, f.tsConnectEnd
}

func flowContext(key FlowKey) string {
	return key.A.IP + ":" + itoa(key.A.Port) + "<->" + key.B.IP + ":" + itoa(key.B.Port)
}

func itoa(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	pos := len(buf)
	for p > 0 {
		pos--
		buf[pos] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[pos:])
}
