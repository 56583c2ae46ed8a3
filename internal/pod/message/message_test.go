package message

import (
	"encoding/hex"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	activation := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	rates := make([]float64, MaxBasalSegments)
	for i := range rates {
		rates[i] = 0.05 * float64(i%20+1)
	}

	tests := []struct {
		name  string
		block Block
	}{
		{"assign address", AssignAddressCommand{Address: 0x1f0e89f0}},
		{"setup pod", SetupPodCommand{Address: 0x1f0e89f0, Lot: 42560, TID: 661771, ActivationTime: activation}},
		{"get status", GetStatusCommand{InfoType: PodInfoDetailed}},
		{"bolus", BolusCommand{Nonce: 0xdeadbeef, Pulses: 60, PulseInterval: BolusPulseInterval}},
		{"temp basal", TempBasalCommand{Nonce: 7, Rate: 1.35, Duration: 90 * time.Minute}},
		{"basal schedule", BasalScheduleCommand{Nonce: 9, ScheduleStart: 5*time.Hour + 12*time.Minute, Rates: rates}},
		{"cancel delivery", CancelDeliveryCommand{Nonce: 3, Delivery: DeliveryAll}},
		{"ack alerts", AcknowledgeAlertsCommand{Nonce: 4, Mask: 0x81}},
		{"deactivate", DeactivatePodCommand{Nonce: 5}},
		{"version", VersionResponse{PMVersion: [3]uint8{2, 7, 0}, PIVersion: [3]uint8{2, 7, 0}, ProductID: 2, Progress: ProgressPairingCompleted, Lot: 42560, TID: 661771, Address: 0x1f0e89f0}},
		{"pod info", PodInfoResponse{InfoType: PodInfoDetailed, Progress: ProgressFaultEventOccurred, FaultCode: FaultOcclusion, FaultMinutes: 4012, PulsesDelivered: 2210, ReservoirPulses: 300, MinutesActive: 4013}},
		{"error", ErrorResponse{Code: ErrorBadNonce, NonceResyncKey: 0x3ac2}},
		{"status", StatusResponse{DeliveryStatus: DeliveryBolusAndTempBasal, Progress: ProgressFiftyOrLessUnits, PulsesDelivered: 8191, LastProgrammingSeq: 15, PulsesNotDelivered: 1023, Alerts: 0xff, MinutesActive: 8191, ReservoirPulses: 1023}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Message{Address: 0x1f0e89f0, Seq: 13, Blocks: []Block{tt.block}}
			frame, err := Encode(in)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			out, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(in, out) {
				t.Errorf("round trip mismatch:\n got  %+v\n want %+v", out, in)
			}
		})
	}
}

func TestEncodeMultipleBlocksAndFollowOn(t *testing.T) {
	in := Message{
		Address:        1,
		Seq:            2,
		ExpectFollowOn: true,
		Blocks: []Block{
			CancelDeliveryCommand{Nonce: 1, Delivery: DeliveryTempBasal},
			TempBasalCommand{Nonce: 2, Rate: 0, Duration: 30 * time.Minute},
		},
	}
	frame, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if out.Block(TypeTempBasal) == nil {
		t.Error("Block(TypeTempBasal) = nil")
	}
	if out.Block(TypeBolus) != nil {
		t.Error("Block(TypeBolus) should be nil")
	}
}

func TestEncodeRejectsBadSequence(t *testing.T) {
	_, err := Encode(Message{Seq: 16, Blocks: []Block{GetStatusCommand{}}})
	if err == nil {
		t.Fatal("Encode() with seq 16 should fail")
	}
}

func TestEncodeRejectsEmptyMessage(t *testing.T) {
	if _, err := Encode(Message{Seq: 1}); err == nil {
		t.Fatal("Encode() with no blocks should fail")
	}
}

func TestDecodeCRCMismatch(t *testing.T) {
	frame, err := Encode(Message{Address: 5, Seq: 1, Blocks: []Block{GetStatusCommand{}}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	frame[6] ^= 0xff

	_, err = Decode(frame)
	if !errors.Is(err, &DecodeError{Kind: CRCMismatch}) {
		t.Errorf("Decode() error = %v, want crc mismatch", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	frame, err := Encode(Message{Address: 5, Seq: 1, Blocks: []Block{BolusCommand{Pulses: 10, PulseInterval: BolusPulseInterval}}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for _, n := range []int{0, 3, len(frame) - 1} {
		_, err := Decode(frame[:n])
		if !errors.Is(err, &DecodeError{Kind: Truncated}) {
			t.Errorf("Decode(frame[:%d]) error = %v, want truncated", n, err)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 1 << 2, 3, 0x7a, 0x01, 0x00}
	frame = append(frame, byte(CRC16(frame)>>8), byte(CRC16(frame)))

	_, err := Decode(frame)
	if !errors.Is(err, &DecodeError{Kind: UnknownType}) {
		t.Errorf("Decode() error = %v, want unknown type", err)
	}
}

func TestDecodeStatusResponseFixtures(t *testing.T) {
	tests := []struct {
		hex  string
		want StatusResponse
	}{
		{
			// prime complete: no delivery, 46 pulses, seq 8, 1 minute, >50U
			hex: "1D0500174000000007FF",
			want: StatusResponse{
				DeliveryStatus:     DeliverySuspended,
				Progress:           ProgressPrimingCompleted,
				PulsesDelivered:    46,
				LastProgrammingSeq: 8,
				MinutesActive:      1,
				ReservoirPulses:    ReservoirAboveFifty,
			},
		},
		{
			// basal running after setup, seq 12, 2 minutes
			hex: "1d160017600000000BFF",
			want: StatusResponse{
				DeliveryStatus:     DeliveryScheduledBasal,
				Progress:           ProgressBasalInitialized,
				PulsesDelivered:    46,
				LastProgrammingSeq: 12,
				MinutesActive:      2,
				ReservoirPulses:    ReservoirAboveFifty,
			},
		},
	}
	for _, tt := range tests {
		raw, err := hex.DecodeString(tt.hex)
		if err != nil {
			t.Fatalf("bad fixture %s: %v", tt.hex, err)
		}
		b, n, err := decodeBlock(raw)
		if err != nil {
			t.Fatalf("decodeBlock(%s) error = %v", tt.hex, err)
		}
		if n != len(raw) {
			t.Errorf("decodeBlock(%s) consumed %d bytes, want %d", tt.hex, n, len(raw))
		}
		if got := b.(StatusResponse); got != tt.want {
			t.Errorf("decodeBlock(%s) = %+v, want %+v", tt.hex, got, tt.want)
		}
		if units, exact := tt.want.Reservoir(); exact || units != 50 {
			t.Errorf("Reservoir() = %v, %v; want 50, false", units, exact)
		}
		if enc := appendBlock(nil, tt.want); hex.EncodeToString(enc) != hexLower(tt.hex) {
			t.Errorf("appendBlock() = %x, want %s", enc, tt.hex)
		}
	}
}

func TestNextSeqWraps(t *testing.T) {
	if got := NextSeq(15, 1); got != 0 {
		t.Errorf("NextSeq(15, 1) = %d, want 0", got)
	}
	if got := NextSeq(14, 2); got != 0 {
		t.Errorf("NextSeq(14, 2) = %d, want 0", got)
	}
}

func TestDeliveryStatusPredicates(t *testing.T) {
	if !DeliverySuspended.Suspended() {
		t.Error("suspended should be Suspended()")
	}
	if DeliveryScheduledBasal.Suspended() || DeliveryScheduledBasal.Bolusing() {
		t.Error("scheduled basal is neither suspended nor bolusing")
	}
	if !DeliveryBolusInProgress.Bolusing() || DeliveryBolusInProgress.TempBasalRunning() {
		t.Error("bolus in progress predicates wrong")
	}
	if !DeliveryBolusAndTempBasal.Bolusing() || !DeliveryBolusAndTempBasal.TempBasalRunning() {
		t.Error("bolus+temp predicates wrong")
	}
}

func TestUnitsToPulses(t *testing.T) {
	tests := []struct {
		units float64
		want  uint16
	}{
		{3.0, 60},
		{0.07, 1},
		{0.02, 0},
		{-1, 0},
		{math.NaN(), 0},
		{math.Inf(1), math.MaxUint16},
		{5000, math.MaxUint16},
	}
	for _, tt := range tests {
		if got := UnitsToPulses(tt.units); got != tt.want {
			t.Errorf("UnitsToPulses(%v) = %d, want %d", tt.units, got, tt.want)
		}
	}
}

func hexLower(s string) string {
	b, _ := hex.DecodeString(s)
	return hex.EncodeToString(b)
}
