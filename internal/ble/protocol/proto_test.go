package protocol

import (
	"bytes"
	"testing"
)

func TestMarshalControlPacket(t *testing.T) {
	got := MarshalControlPacket(ControlPacket{Type: ControlTypeHello, Data: []byte{0xAA, 0xBB}})
	// Field 1 (uint32): tag=0x08, varint=2
	// Field 2 (bytes):  tag=0x12, len=2, data
	want := []byte{0x08, 0x02, 0x12, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalControlPacket() = %x, want %x", got, want)
	}

	p, err := UnmarshalControlPacket(got)
	if err != nil {
		t.Fatalf("UnmarshalControlPacket() error = %v", err)
	}
	if p.Type != ControlTypeHello || !bytes.Equal(p.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("UnmarshalControlPacket() = %+v", p)
	}
}

func TestMarshalDataPacket(t *testing.T) {
	iv := make([]byte, 12)
	iv[0] = 0xAA
	tag := make([]byte, 16)
	tag[0] = 0xBB
	encrypted := []byte{0x01, 0x02, 0x03}
	packetNum := uint32(42)

	got, err := MarshalDataPacket(iv, tag, encrypted, packetNum)
	if err != nil {
		t.Fatalf("MarshalDataPacket() error = %v", err)
	}

	var want []byte
	want = append(want, 0x0a, 0x0c)
	want = append(want, iv...)
	want = append(want, 0x12, 0x10)
	want = append(want, tag...)
	want = append(want, 0x1a, 0x03)
	want = append(want, encrypted...)
	want = append(want, 0x20, 0x2a)

	if !bytes.Equal(got, want) {
		t.Errorf("MarshalDataPacket() =\n  got  %x\n  want %x", got, want)
	}

	p, err := UnmarshalDataPacket(got)
	if err != nil {
		t.Fatalf("UnmarshalDataPacket() error = %v", err)
	}
	if !bytes.Equal(p.IV, iv) || !bytes.Equal(p.Tag, tag) || !bytes.Equal(p.Encrypted, encrypted) || p.PacketNum != packetNum {
		t.Errorf("UnmarshalDataPacket() = %+v", p)
	}
}

func TestMarshalDataPacketValidation(t *testing.T) {
	validIV := make([]byte, 12)
	validTag := make([]byte, 16)
	encrypted := []byte{0x01}

	if _, err := MarshalDataPacket(make([]byte, 10), validTag, encrypted, 0); err == nil {
		t.Error("expected error for wrong IV length")
	}
	if _, err := MarshalDataPacket(validIV, make([]byte, 8), encrypted, 0); err == nil {
		t.Error("expected error for wrong tag length")
	}
}

func TestUnmarshalDataPacketMissingFields(t *testing.T) {
	// Only packet_num, no iv or tag.
	if _, err := UnmarshalDataPacket([]byte{0x20, 0x01}); err == nil {
		t.Error("expected error for data packet without iv and tag")
	}
}

func TestUnmarshalResponsePacket(t *testing.T) {
	raw := []byte{
		0x08, 0x01, // field 1: varint 1
		0x10, 0x00, // field 2: varint 0
		0x1a, 0x02, 0xDE, 0xAD, // field 3: bytes len=2
	}
	resp, err := UnmarshalResponsePacket(raw)
	if err != nil {
		t.Fatalf("UnmarshalResponsePacket() error = %v", err)
	}
	if resp.Type != ResponseTypePairKey {
		t.Errorf("Type = %d, want %d", resp.Type, ResponseTypePairKey)
	}
	if resp.Status != 0 {
		t.Errorf("Status = %d, want 0", resp.Status)
	}
	if !bytes.Equal(resp.Data, []byte{0xDE, 0xAD}) {
		t.Errorf("Data = %x, want dead", resp.Data)
	}

	if got := MarshalResponsePacket(*resp); !bytes.Equal(got, raw) {
		t.Errorf("MarshalResponsePacket() = %x, want %x", got, raw)
	}
}

func TestUnmarshalResponsePacketInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"bad varint", []byte{0xFF}},
		{"length overrun", []byte{0x1a, 0x05, 0x01}},
		{"fixed64 wire type", []byte{0x09, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalResponsePacket(tt.raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestUnmarshalResponsePacketNilAndEmpty(t *testing.T) {
	for _, raw := range [][]byte{nil, {}} {
		resp, err := UnmarshalResponsePacket(raw)
		if err != nil {
			t.Fatalf("UnmarshalResponsePacket(%v) error = %v", raw, err)
		}
		if resp.Type != 0 || resp.Status != 0 || resp.Data != nil {
			t.Errorf("UnmarshalResponsePacket(%v) = %+v, want zero-valued", raw, resp)
		}
	}
}
