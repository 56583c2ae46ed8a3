package message

import (
	"encoding/binary"
	"fmt"
)

// DeliveryStatus is the pod's delivery bitmask from a status response.
type DeliveryStatus uint8

const (
	DeliverySuspended         DeliveryStatus = 0x0
	DeliveryScheduledBasal    DeliveryStatus = 0x1
	DeliveryTempBasalRunning  DeliveryStatus = 0x2
	DeliveryPriming           DeliveryStatus = 0x4
	DeliveryBolusInProgress   DeliveryStatus = 0x5
	DeliveryBolusAndTempBasal DeliveryStatus = 0x6
)

// Suspended reports that neither scheduled nor temp basal is running.
func (d DeliveryStatus) Suspended() bool { return d&0x3 == 0 }

// TempBasalRunning reports an active temp basal.
func (d DeliveryStatus) TempBasalRunning() bool { return d&0x2 != 0 }

// Bolusing reports an immediate bolus (or priming bolus) in progress.
func (d DeliveryStatus) Bolusing() bool { return d&0x4 != 0 }

func (d DeliveryStatus) String() string {
	switch {
	case d.Bolusing() && d.TempBasalRunning():
		return "bolus+temp basal"
	case d.Bolusing() && d.Suspended():
		return "priming"
	case d.Bolusing():
		return "bolusing"
	case d.TempBasalRunning():
		return "temp basal"
	case d.Suspended():
		return "suspended"
	default:
		return "scheduled basal"
	}
}

// PodProgress is the pod's activation/lifecycle counter.
type PodProgress uint8

const (
	ProgressInitialInsulinAmount PodProgress = iota
	ProgressTankPowerActivated
	ProgressTankFillCompleted
	ProgressPairingCompleted
	ProgressPriming
	ProgressPrimingCompleted
	ProgressBasalInitialized
	ProgressInsertingCannula
	ProgressAboveFiftyUnits
	ProgressFiftyOrLessUnits
	ProgressOneNotUsed
	ProgressTwoNotUsed
	ProgressThreeNotUsed
	ProgressFaultEventOccurred
	ProgressActivationTimeExceeded
	ProgressInactive
)

// Faulted reports a progress value the pod only enters after a fault.
func (p PodProgress) Faulted() bool {
	return p == ProgressFaultEventOccurred || p == ProgressActivationTimeExceeded
}

// Running reports a fully activated pod.
func (p PodProgress) Running() bool {
	return p >= ProgressAboveFiftyUnits && p <= ProgressThreeNotUsed
}

func (p PodProgress) String() string {
	names := [...]string{
		"initialInsulinAmount", "tankPowerActivated", "tankFillCompleted",
		"pairingCompleted", "priming", "primingCompleted", "basalInitialized",
		"insertingCannula", "aboveFiftyUnits", "fiftyOrLessUnits", "oneNotUsed",
		"twoNotUsed", "threeNotUsed", "faultEventOccurred",
		"activationTimeExceeded", "inactive",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return fmt.Sprintf("progress(%d)", uint8(p))
}

// ReservoirAboveFifty is the reservoir field value meaning "more than 50 U".
const ReservoirAboveFifty = 0x3ff

const statusResponseLength = 9

// StatusResponse is the pod's packed 0x1d status. The block has no length
// byte on the wire.
//
//	byte 0: delivery status(4) | pod progress(4)
//	bits:   pulses delivered(13) | last programming seq(4) | pulses not delivered(10)
//	        | alerts(8) | minutes active(13) | reservoir pulses(10)
type StatusResponse struct {
	DeliveryStatus     DeliveryStatus
	Progress           PodProgress
	PulsesDelivered    uint16
	LastProgrammingSeq uint8
	PulsesNotDelivered uint16
	Alerts             uint8
	MinutesActive      uint16
	ReservoirPulses    uint16
}

func (StatusResponse) Type() BlockType { return TypeStatusResponse }

// Reservoir returns the remaining units and whether the pod reported an exact value.
func (s StatusResponse) Reservoir() (float64, bool) {
	if s.ReservoirPulses == ReservoirAboveFifty {
		return 50, false
	}
	return PulsesToUnits(s.ReservoirPulses), true
}

func (s StatusResponse) payload() []byte {
	d := make([]byte, statusResponseLength)
	d[0] = byte(s.DeliveryStatus)<<4 | byte(s.Progress)&0x0f
	d[1] = byte(s.PulsesDelivered>>9) & 0x0f
	d[2] = byte(s.PulsesDelivered >> 1)
	d[3] = byte(s.PulsesDelivered&1)<<7 | (s.LastProgrammingSeq&0x0f)<<3 | byte(s.PulsesNotDelivered>>8)&0x03
	d[4] = byte(s.PulsesNotDelivered)
	d[5] = s.Alerts >> 1 & 0x7f
	d[6] = (s.Alerts&1)<<7 | byte(s.MinutesActive>>6)&0x7f
	d[7] = byte(s.MinutesActive&0x3f)<<2 | byte(s.ReservoirPulses>>8)&0x03
	d[8] = byte(s.ReservoirPulses)
	return d
}

func parseStatusResponse(d []byte) (Block, error) {
	if err := needLength(TypeStatusResponse, d, statusResponseLength); err != nil {
		return nil, err
	}
	return StatusResponse{
		DeliveryStatus:     DeliveryStatus(d[0] >> 4),
		Progress:           PodProgress(d[0] & 0x0f),
		PulsesDelivered:    uint16(d[1]&0x0f)<<9 | uint16(d[2])<<1 | uint16(d[3]>>7),
		LastProgrammingSeq: (d[3] >> 3) & 0x0f,
		PulsesNotDelivered: uint16(d[3]&0x03)<<8 | uint16(d[4]),
		Alerts:             (d[5]&0x7f)<<1 | d[6]>>7,
		MinutesActive:      uint16(d[6]&0x7f)<<6 | uint16(d[7]>>2),
		ReservoirPulses:    uint16(d[7]&0x03)<<8 | uint16(d[8]),
	}, nil
}

// VersionResponse answers AssignAddress and SetupPod during pairing.
type VersionResponse struct {
	PMVersion [3]uint8
	PIVersion [3]uint8
	ProductID uint8
	Progress  PodProgress
	Lot       uint32
	TID       uint32
	Address   uint32
}

func (VersionResponse) Type() BlockType { return TypeVersionResponse }

func (v VersionResponse) payload() []byte {
	buf := append([]byte{}, v.PMVersion[:]...)
	buf = append(buf, v.PIVersion[:]...)
	buf = append(buf, v.ProductID, byte(v.Progress))
	buf = binary.BigEndian.AppendUint32(buf, v.Lot)
	buf = binary.BigEndian.AppendUint32(buf, v.TID)
	return binary.BigEndian.AppendUint32(buf, v.Address)
}

func parseVersionResponse(d []byte) (Block, error) {
	if err := needLength(TypeVersionResponse, d, 20); err != nil {
		return nil, err
	}
	v := VersionResponse{
		ProductID: d[6],
		Progress:  PodProgress(d[7]),
		Lot:       binary.BigEndian.Uint32(d[8:12]),
		TID:       binary.BigEndian.Uint32(d[12:16]),
		Address:   binary.BigEndian.Uint32(d[16:20]),
	}
	copy(v.PMVersion[:], d[0:3])
	copy(v.PIVersion[:], d[3:6])
	return v, nil
}

// VersionString formats a three part firmware version.
func VersionString(v [3]uint8) string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// FaultCode is the pod's fault event code. Zero means no fault.
type FaultCode uint8

const (
	FaultNone            FaultCode = 0x00
	FaultOcclusion       FaultCode = 0x14
	FaultEmptyReservoir  FaultCode = 0x18
	FaultExceededMaxLife FaultCode = 0x1c
	FaultPodExpired      FaultCode = 0x1d
)

func (f FaultCode) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultOcclusion:
		return "occlusion"
	case FaultEmptyReservoir:
		return "empty reservoir"
	case FaultExceededMaxLife:
		return "exceeded maximum pod life"
	case FaultPodExpired:
		return "pod expired"
	default:
		return fmt.Sprintf("fault 0x%02x", uint8(f))
	}
}

// PodInfoResponse is the detailed status (info type 2) the pod returns on
// request and in place of any command once it has faulted.
type PodInfoResponse struct {
	InfoType           PodInfoType
	Progress           PodProgress
	DeliveryStatus     DeliveryStatus
	FaultCode          FaultCode
	FaultMinutes       uint16
	PulsesDelivered    uint16
	PulsesNotDelivered uint16
	ReservoirPulses    uint16
	MinutesActive      uint16
}

func (PodInfoResponse) Type() BlockType { return TypePodInfoResponse }

func (p PodInfoResponse) payload() []byte {
	buf := []byte{byte(p.InfoType), byte(p.Progress), byte(p.DeliveryStatus), byte(p.FaultCode)}
	for _, v := range []uint16{p.FaultMinutes, p.PulsesDelivered, p.PulsesNotDelivered, p.ReservoirPulses, p.MinutesActive} {
		buf = binary.BigEndian.AppendUint16(buf, v)
	}
	return buf
}

func parsePodInfoResponse(d []byte) (Block, error) {
	if err := needLength(TypePodInfoResponse, d, 14); err != nil {
		return nil, err
	}
	return PodInfoResponse{
		InfoType:           PodInfoType(d[0]),
		Progress:           PodProgress(d[1]),
		DeliveryStatus:     DeliveryStatus(d[2]),
		FaultCode:          FaultCode(d[3]),
		FaultMinutes:       binary.BigEndian.Uint16(d[4:6]),
		PulsesDelivered:    binary.BigEndian.Uint16(d[6:8]),
		PulsesNotDelivered: binary.BigEndian.Uint16(d[8:10]),
		ReservoirPulses:    binary.BigEndian.Uint16(d[10:12]),
		MinutesActive:      binary.BigEndian.Uint16(d[12:14]),
	}, nil
}

// Status reduces a detailed status to the packed status fields.
func (p PodInfoResponse) Status() StatusResponse {
	return StatusResponse{
		DeliveryStatus:     p.DeliveryStatus,
		Progress:           p.Progress,
		PulsesDelivered:    p.PulsesDelivered,
		PulsesNotDelivered: p.PulsesNotDelivered,
		MinutesActive:      p.MinutesActive,
		ReservoirPulses:    p.ReservoirPulses,
	}
}

// ErrorCode is carried by an ErrorResponse.
type ErrorCode uint8

const (
	ErrorBadNonce       ErrorCode = 0x14
	ErrorIllegalCommand ErrorCode = 0x07
	ErrorBadParameters  ErrorCode = 0x08
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorBadNonce:
		return "bad nonce"
	case ErrorIllegalCommand:
		return "illegal command"
	case ErrorBadParameters:
		return "bad parameters"
	default:
		return fmt.Sprintf("error 0x%02x", uint8(e))
	}
}

// ErrorResponse is the pod's explicit rejection of a command.
type ErrorResponse struct {
	Code ErrorCode
	// NonceResyncKey is only meaningful for ErrorBadNonce.
	NonceResyncKey uint16
}

func (ErrorResponse) Type() BlockType { return TypeErrorResponse }

func (e ErrorResponse) payload() []byte {
	return binary.BigEndian.AppendUint16([]byte{byte(e.Code)}, e.NonceResyncKey)
}

func parseErrorResponse(d []byte) (Block, error) {
	if err := needLength(TypeErrorResponse, d, 3); err != nil {
		return nil, err
	}
	return ErrorResponse{Code: ErrorCode(d[0]), NonceResyncKey: binary.BigEndian.Uint16(d[1:3])}, nil
}
