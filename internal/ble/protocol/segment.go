package protocol

import (
	"errors"
	"fmt"
)

// MaxSegmentBytes fits one segment in a write at the default ATT MTU
// (23 bytes less the 3 byte ATT header).
const MaxSegmentBytes = 20

const (
	segmentLast  = 0x80
	segmentIndex = 0x7f
	// MaxSegments bounds one packet; the index field is 7 bits wide.
	MaxSegments = segmentIndex + 1
)

// Segment splits payload into writes of at most max bytes. Each segment
// starts with a header byte: the low 7 bits hold the index, the high bit
// marks the last segment.
func Segment(payload []byte, max int) ([][]byte, error) {
	if max < 2 {
		return nil, fmt.Errorf("protocol: segment size %d too small", max)
	}
	per := max - 1
	n := (len(payload) + per - 1) / per
	if n == 0 {
		n = 1
	}
	if n > MaxSegments {
		return nil, fmt.Errorf("protocol: payload of %d bytes needs %d segments, max %d", len(payload), n, MaxSegments)
	}
	segs := make([][]byte, 0, n)
	for i := range n {
		end := min((i+1)*per, len(payload))
		seg := make([]byte, 0, 1+end-i*per)
		hdr := byte(i)
		if i == n-1 {
			hdr |= segmentLast
		}
		seg = append(seg, hdr)
		seg = append(seg, payload[i*per:end]...)
		segs = append(segs, seg)
	}
	return segs, nil
}

// ErrSegmentOrder is returned when a segment arrives out of sequence. The
// partial packet is discarded.
var ErrSegmentOrder = errors.New("protocol: segment out of order")

// Reassembler rebuilds packets from segments. The zero value is ready.
type Reassembler struct {
	next int
	buf  []byte
}

// Add appends a segment. It returns the packet once the last segment
// arrives.
func (r *Reassembler) Add(seg []byte) ([]byte, bool, error) {
	if len(seg) == 0 {
		return nil, false, errors.New("protocol: empty segment")
	}
	idx := int(seg[0] & segmentIndex)
	if idx == 0 {
		// A new packet always restarts reassembly.
		r.Reset()
	}
	if idx != r.next {
		want := r.next
		r.Reset()
		return nil, false, fmt.Errorf("%w: got %d, want %d", ErrSegmentOrder, idx, want)
	}
	r.buf = append(r.buf, seg[1:]...)
	r.next++
	if seg[0]&segmentLast == 0 {
		return nil, false, nil
	}
	out := r.buf
	r.buf = nil
	r.next = 0
	return out, true, nil
}

// Reset drops any partial packet.
func (r *Reassembler) Reset() {
	r.next = 0
	r.buf = nil
}
