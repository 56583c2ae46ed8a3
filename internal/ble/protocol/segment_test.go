package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestSegmentFitsInOne(t *testing.T) {
	segs, err := Segment([]byte("status"), MaxSegmentBytes)
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	want := append([]byte{0x80}, "status"...)
	if !bytes.Equal(segs[0], want) {
		t.Errorf("segment[0] = %x, want %x", segs[0], want)
	}
}

func TestSegmentEmptyPayload(t *testing.T) {
	segs, err := Segment(nil, MaxSegmentBytes)
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if len(segs) != 1 || !bytes.Equal(segs[0], []byte{0x80}) {
		t.Errorf("Segment(nil) = %x, want one empty last segment", segs)
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	segs, err := Segment(payload, MaxSegmentBytes)
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	// 19 payload bytes per segment.
	if len(segs) != 6 {
		t.Fatalf("got %d segments, want 6", len(segs))
	}
	for i, s := range segs {
		if len(s) > MaxSegmentBytes {
			t.Errorf("segment[%d] len=%d exceeds max=%d", i, len(s), MaxSegmentBytes)
		}
	}

	var r Reassembler
	for i, s := range segs {
		got, done, err := r.Add(s)
		if err != nil {
			t.Fatalf("Add(segment %d) error = %v", i, err)
		}
		if done != (i == len(segs)-1) {
			t.Fatalf("Add(segment %d) done = %v", i, done)
		}
		if done && !bytes.Equal(got, payload) {
			t.Errorf("reassembled = %x, want %x", got, payload)
		}
	}
}

func TestSegmentTooLarge(t *testing.T) {
	if _, err := Segment(make([]byte, 19*MaxSegments+1), MaxSegmentBytes); err == nil {
		t.Error("expected error for payload needing more than MaxSegments")
	}
	if _, err := Segment([]byte{1}, 1); err == nil {
		t.Error("expected error for segment size below 2")
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	segs, err := Segment(make([]byte, 60), MaxSegmentBytes)
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	var r Reassembler
	if _, _, err := r.Add(segs[0]); err != nil {
		t.Fatalf("Add(0) error = %v", err)
	}
	if _, _, err := r.Add(segs[2]); !errors.Is(err, ErrSegmentOrder) {
		t.Fatalf("Add(2) error = %v, want ErrSegmentOrder", err)
	}

	// A fresh first segment restarts cleanly.
	for i, s := range segs {
		if _, _, err := r.Add(s); err != nil {
			t.Fatalf("Add(%d) after reset error = %v", i, err)
		}
	}
}

func TestReassemblerRestartsOnNewPacket(t *testing.T) {
	long, _ := Segment(make([]byte, 40), MaxSegmentBytes)
	short, _ := Segment([]byte("ok"), MaxSegmentBytes)

	var r Reassembler
	if _, _, err := r.Add(long[0]); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	got, done, err := r.Add(short[0])
	if err != nil || !done {
		t.Fatalf("Add(new packet) = %v, %v", done, err)
	}
	if string(got) != "ok" {
		t.Errorf("reassembled = %q, want %q", got, "ok")
	}
}

func TestReassemblerEmptySegment(t *testing.T) {
	var r Reassembler
	if _, _, err := r.Add(nil); err == nil {
		t.Error("expected error for empty segment")
	}
}
