package tcpflow

import (
	"sort"

	"github.com/google/gopacket/reassembly"

	"github.com/arrowlake/pcap2har/memview"
)

// arrivalRun records one contiguous run of bytes appended to a direction's
// stream in a single step, and the timestamp of the segment that delivered
// it. Runs are stored in increasing offset order with no gaps between them,
// so arrival_time can answer by binary search.
type arrivalRun struct {
	start int64 // inclusive
	end   int64 // exclusive
	ts    float64
}

// pendingSegment is a segment that arrived ahead of the expected sequence
// number; it is held until the gap before it closes.
type pendingSegment struct {
	seq  reassembly.Sequence
	data []byte
	ts   float64
}

// TCPDirection is one ordered, reassembled byte stream, with per-byte
// arrival timestamps and connection lifecycle state.
type TCPDirection struct {
	data        memview.MemView
	runs        []arrivalRun
	initialized bool
	nextSeq     reassembly.Sequence
	pending     []pendingSegment
	pendingLen  int64
	closed      bool
}

func newDirection() *TCPDirection {
	return &TCPDirection{data: memview.Empty()}
}

// accept folds one segment's payload into the stream. Returns true if
// accepting would overflow maxBufferedBytes, in which case the caller must
// drop the whole flow; the direction is left unmodified in that case.
func (d *TCPDirection) accept(seq reassembly.Sequence, payload []byte, ts float64, maxBufferedBytes int64) (overflow bool) {
	if !d.initialized {
		d.nextSeq = seq
		d.initialized = true
	}

	diff := d.nextSeq.Difference(seq) // seq - nextSeq, wraparound-aware (Sequence.Difference(t) computes t - s)
	if diff < 0 {
		skip := -diff
		if skip >= len(payload) {
			// Entirely below the expected sequence: a pure retransmission.
			return false
		}
		payload = payload[skip:]
		seq = d.nextSeq
		diff = 0
	}

	if diff == 0 {
		d.append(payload, ts)
		d.drain()
		return false
	}

	// Future gap: buffer until it closes.
	if d.pendingLen+int64(len(payload)) > maxBufferedBytes {
		return true
	}
	d.insertPending(pendingSegment{seq: seq, data: payload, ts: ts})
	return false
}

func (d *TCPDirection) append(payload []byte, ts float64) {
	start := d.data.Len()
	d.data.Append(memview.New(payload))
	d.runs = append(d.runs, arrivalRun{start: start, end: d.data.Len(), ts: ts})
	d.nextSeq = d.nextSeq.Add(len(payload))
}

func (d *TCPDirection) insertPending(seg pendingSegment) {
	idx := sort.Search(len(d.pending), func(i int) bool {
		// pending[i].seq - seg.seq >= 0, i.e. pending[i].seq comes at or
		// after seg.seq (Sequence.Difference(t) computes t - s).
		return seg.seq.Difference(d.pending[i].seq) >= 0
	})
	d.pending = append(d.pending, pendingSegment{})
	copy(d.pending[idx+1:], d.pending[idx:])
	d.pending[idx] = seg
	d.pendingLen += int64(len(seg.data))
}

// drain appends any buffered segments that now line up with nextSeq,
// trimming overlap against already-applied data along the way, repeating
// until the front of the pending queue no longer lines up.
func (d *TCPDirection) drain() {
	for len(d.pending) > 0 {
		front := d.pending[0]
		diff := d.nextSeq.Difference(front.seq) // front.seq - nextSeq
		if diff > 0 {
			// Still a gap before the next buffered segment.
			return
		}

		d.pendingLen -= int64(len(front.data))
		d.pending = d.pending[1:]

		payload := front.data
		if diff < 0 {
			skip := -diff
			if skip >= len(payload) {
				continue // fully subsumed by data already applied
			}
			payload = payload[skip:]
		}
		d.append(payload, front.ts)
	}
}

// Data returns the reassembled byte stream.
func (d *TCPDirection) Data() memview.MemView {
	return d.data
}

// Len is the number of contiguous bytes reassembled so far.
func (d *TCPDirection) Len() int64 {
	return d.data.Len()
}

// Closed reports whether a FIN or RST has been observed on this direction,
// or whether end of input forced closure.
func (d *TCPDirection) Closed() bool {
	return d.closed
}

// ArrivalTime returns the timestamp of the segment that contributed the
// byte at the given offset. Offsets past the end of the stream return the
// timestamp of the last run, if any.
func (d *TCPDirection) ArrivalTime(offset int64) float64 {
	if len(d.runs) == 0 {
		return 0
	}
	i := sort.Search(len(d.runs), func(i int) bool {
		return d.runs[i].end > offset
	})
	if i >= len(d.runs) {
		i = len(d.runs) - 1
	}
	return d.runs[i].ts
}
