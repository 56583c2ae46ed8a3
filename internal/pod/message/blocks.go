package message

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BlockType is the first byte of every block.
type BlockType uint8

const (
	TypeVersionResponse   BlockType = 0x01
	TypePodInfoResponse   BlockType = 0x02
	TypeSetupPod          BlockType = 0x03
	TypeErrorResponse     BlockType = 0x06
	TypeAssignAddress     BlockType = 0x07
	TypeGetStatus         BlockType = 0x0e
	TypeAcknowledgeAlerts BlockType = 0x11
	TypeBasalSchedule     BlockType = 0x13
	TypeTempBasal         BlockType = 0x16
	TypeBolus             BlockType = 0x17
	TypeDeactivatePod     BlockType = 0x1c
	TypeStatusResponse    BlockType = 0x1d
	TypeCancelDelivery    BlockType = 0x1f
)

func (t BlockType) String() string {
	switch t {
	case TypeVersionResponse:
		return "VersionResponse"
	case TypePodInfoResponse:
		return "PodInfoResponse"
	case TypeSetupPod:
		return "SetupPod"
	case TypeErrorResponse:
		return "ErrorResponse"
	case TypeAssignAddress:
		return "AssignAddress"
	case TypeGetStatus:
		return "GetStatus"
	case TypeAcknowledgeAlerts:
		return "AcknowledgeAlerts"
	case TypeBasalSchedule:
		return "BasalSchedule"
	case TypeTempBasal:
		return "TempBasal"
	case TypeBolus:
		return "Bolus"
	case TypeDeactivatePod:
		return "DeactivatePod"
	case TypeStatusResponse:
		return "StatusResponse"
	case TypeCancelDelivery:
		return "CancelDelivery"
	default:
		return fmt.Sprintf("Block(0x%02x)", uint8(t))
	}
}

// Block is one typed element of a message.
type Block interface {
	Type() BlockType
	payload() []byte
}

// NonceBlock is implemented by commands the pod only accepts with a valid nonce.
type NonceBlock interface {
	Block
	WithNonce(nonce uint32) Block
}

// PulseSize is the insulin volume of one pump pulse, in units.
const PulseSize = 0.05

// BolusPulseInterval is the pod's delivery pace for immediate boluses.
const BolusPulseInterval = 2 * time.Second

// UnitsToPulses converts units of insulin to whole pulses, rounding to
// nearest. Negative and NaN amounts give 0; amounts past the field width
// saturate.
func UnitsToPulses(units float64) uint16 {
	return toStep(units)
}

// PulsesToUnits converts pulses to units of insulin.
func PulsesToUnits(pulses uint16) float64 {
	return float64(pulses) * PulseSize
}

// rateToWire encodes U/h in 0.05 U/h steps.
func rateToWire(rate float64) uint16 { return toStep(rate) }

func toStep(v float64) uint16 {
	n := math.Round(v / PulseSize)
	switch {
	case !(n > 0):
		return 0
	case n >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(n)
}

func rateFromWire(v uint16) float64 { return float64(v) * PulseSize }

// fixedLength reports blocks whose length byte is implicit on the wire.
func fixedLength(t BlockType) (int, bool) {
	if t == TypeStatusResponse {
		return statusResponseLength, true
	}
	return 0, false
}

func appendBlock(buf []byte, b Block) []byte {
	data := b.payload()
	buf = append(buf, byte(b.Type()))
	if _, ok := fixedLength(b.Type()); !ok {
		buf = append(buf, byte(len(data)))
	}
	return append(buf, data...)
}

func decodeBlock(data []byte) (Block, int, error) {
	t := BlockType(data[0])
	var (
		length int
		offset int
	)
	if n, ok := fixedLength(t); ok {
		length, offset = n, 1
	} else {
		if len(data) < 2 {
			return nil, 0, &DecodeError{Kind: Truncated, Detail: fmt.Sprintf("%s has no length byte", t)}
		}
		length, offset = int(data[1]), 2
	}
	if len(data) < offset+length {
		return nil, 0, &DecodeError{Kind: Truncated, Detail: fmt.Sprintf("%s needs %d bytes, have %d", t, length, len(data)-offset)}
	}
	parse, ok := blockParsers[t]
	if !ok {
		return nil, 0, &DecodeError{Kind: UnknownType, Detail: fmt.Sprintf("0x%02x", uint8(t))}
	}
	b, err := parse(data[offset : offset+length])
	if err != nil {
		return nil, 0, err
	}
	return b, offset + length, nil
}

var blockParsers = map[BlockType]func([]byte) (Block, error){
	TypeAssignAddress:     parseAssignAddress,
	TypeSetupPod:          parseSetupPod,
	TypeGetStatus:         parseGetStatus,
	TypeBolus:             parseBolus,
	TypeTempBasal:         parseTempBasal,
	TypeBasalSchedule:     parseBasalSchedule,
	TypeCancelDelivery:    parseCancelDelivery,
	TypeAcknowledgeAlerts: parseAcknowledgeAlerts,
	TypeDeactivatePod:     parseDeactivatePod,
	TypeVersionResponse:   parseVersionResponse,
	TypePodInfoResponse:   parsePodInfoResponse,
	TypeErrorResponse:     parseErrorResponse,
	TypeStatusResponse:    parseStatusResponse,
}

func needLength(t BlockType, data []byte, n int) error {
	if len(data) != n {
		return &DecodeError{Kind: Truncated, Detail: fmt.Sprintf("%s payload is %d bytes, want %d", t, len(data), n)}
	}
	return nil
}

// AssignAddressCommand asks an unpaired pod to adopt an address.
type AssignAddressCommand struct {
	Address uint32
}

func (AssignAddressCommand) Type() BlockType { return TypeAssignAddress }

func (c AssignAddressCommand) payload() []byte {
	return binary.BigEndian.AppendUint32(nil, c.Address)
}

func parseAssignAddress(data []byte) (Block, error) {
	if err := needLength(TypeAssignAddress, data, 4); err != nil {
		return nil, err
	}
	return AssignAddressCommand{Address: binary.BigEndian.Uint32(data)}, nil
}

// SetupPodCommand binds the pod to its address and activation time.
type SetupPodCommand struct {
	Address        uint32
	Lot            uint32
	TID            uint32
	ActivationTime time.Time
}

func (SetupPodCommand) Type() BlockType { return TypeSetupPod }

func (c SetupPodCommand) payload() []byte {
	buf := binary.BigEndian.AppendUint32(nil, c.Address)
	buf = binary.BigEndian.AppendUint32(buf, c.Lot)
	buf = binary.BigEndian.AppendUint32(buf, c.TID)
	return binary.BigEndian.AppendUint32(buf, uint32(c.ActivationTime.Unix()))
}

func parseSetupPod(data []byte) (Block, error) {
	if err := needLength(TypeSetupPod, data, 16); err != nil {
		return nil, err
	}
	return SetupPodCommand{
		Address:        binary.BigEndian.Uint32(data[0:4]),
		Lot:            binary.BigEndian.Uint32(data[4:8]),
		TID:            binary.BigEndian.Uint32(data[8:12]),
		ActivationTime: time.Unix(int64(binary.BigEndian.Uint32(data[12:16])), 0).UTC(),
	}, nil
}

// PodInfoType selects the response a GetStatus command asks for.
type PodInfoType uint8

const (
	PodInfoStatus   PodInfoType = 0x00
	PodInfoDetailed PodInfoType = 0x02
)

// GetStatusCommand requests a status (0x1d) or detailed status (0x02) response.
type GetStatusCommand struct {
	InfoType PodInfoType
}

func (GetStatusCommand) Type() BlockType { return TypeGetStatus }

func (c GetStatusCommand) payload() []byte { return []byte{byte(c.InfoType)} }

func parseGetStatus(data []byte) (Block, error) {
	if err := needLength(TypeGetStatus, data, 1); err != nil {
		return nil, err
	}
	return GetStatusCommand{InfoType: PodInfoType(data[0])}, nil
}

// BolusCommand delivers Pulses at one pulse per PulseInterval.
//
//	nonce(4) | pulses(2) | interval seconds(1)
type BolusCommand struct {
	Nonce         uint32
	Pulses        uint16
	PulseInterval time.Duration
}

func (BolusCommand) Type() BlockType { return TypeBolus }

func (c BolusCommand) WithNonce(n uint32) Block { c.Nonce = n; return c }

// Duration is the time the pod needs to deliver the bolus.
func (c BolusCommand) Duration() time.Duration {
	return time.Duration(c.Pulses) * c.PulseInterval
}

func (c BolusCommand) payload() []byte {
	buf := binary.BigEndian.AppendUint32(nil, c.Nonce)
	buf = binary.BigEndian.AppendUint16(buf, c.Pulses)
	return append(buf, byte(c.PulseInterval/time.Second))
}

func parseBolus(data []byte) (Block, error) {
	if err := needLength(TypeBolus, data, 7); err != nil {
		return nil, err
	}
	return BolusCommand{
		Nonce:         binary.BigEndian.Uint32(data[0:4]),
		Pulses:        binary.BigEndian.Uint16(data[4:6]),
		PulseInterval: time.Duration(data[6]) * time.Second,
	}, nil
}

// TempBasalCommand overrides the scheduled basal rate for a number of half hours.
//
//	nonce(4) | rate in 0.05 U/h(2) | half hours(1)
type TempBasalCommand struct {
	Nonce    uint32
	Rate     float64
	Duration time.Duration
}

func (TempBasalCommand) Type() BlockType { return TypeTempBasal }

func (c TempBasalCommand) WithNonce(n uint32) Block { c.Nonce = n; return c }

func (c TempBasalCommand) payload() []byte {
	buf := binary.BigEndian.AppendUint32(nil, c.Nonce)
	buf = binary.BigEndian.AppendUint16(buf, rateToWire(c.Rate))
	return append(buf, byte(c.Duration/(30*time.Minute)))
}

func parseTempBasal(data []byte) (Block, error) {
	if err := needLength(TypeTempBasal, data, 7); err != nil {
		return nil, err
	}
	return TempBasalCommand{
		Nonce:    binary.BigEndian.Uint32(data[0:4]),
		Rate:     rateFromWire(binary.BigEndian.Uint16(data[4:6])),
		Duration: time.Duration(data[6]) * 30 * time.Minute,
	}, nil
}

// MaxBasalSegments is the number of half-hour segments in a day.
const MaxBasalSegments = 48

// BasalScheduleCommand programs the 24 hour basal schedule.
//
//	nonce(4) | seconds since midnight(4) | count(1) | rate in 0.05 U/h(2) * count
type BasalScheduleCommand struct {
	Nonce         uint32
	ScheduleStart time.Duration // offset into the day at which the pod starts
	Rates         []float64     // one rate per half hour
}

func (BasalScheduleCommand) Type() BlockType { return TypeBasalSchedule }

func (c BasalScheduleCommand) WithNonce(n uint32) Block { c.Nonce = n; return c }

func (c BasalScheduleCommand) payload() []byte {
	buf := binary.BigEndian.AppendUint32(nil, c.Nonce)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.ScheduleStart/time.Second))
	buf = append(buf, byte(len(c.Rates)))
	for _, r := range c.Rates {
		buf = binary.BigEndian.AppendUint16(buf, rateToWire(r))
	}
	return buf
}

func parseBasalSchedule(data []byte) (Block, error) {
	if len(data) < 9 {
		return nil, &DecodeError{Kind: Truncated, Detail: "BasalSchedule header"}
	}
	count := int(data[8])
	if err := needLength(TypeBasalSchedule, data, 9+2*count); err != nil {
		return nil, err
	}
	c := BasalScheduleCommand{
		Nonce:         binary.BigEndian.Uint32(data[0:4]),
		ScheduleStart: time.Duration(binary.BigEndian.Uint32(data[4:8])) * time.Second,
		Rates:         make([]float64, count),
	}
	for i := range c.Rates {
		c.Rates[i] = rateFromWire(binary.BigEndian.Uint16(data[9+2*i:]))
	}
	return c, nil
}

// DeliveryType is a bitmask of delivery programs.
type DeliveryType uint8

const (
	DeliveryBasal     DeliveryType = 0x01
	DeliveryTempBasal DeliveryType = 0x02
	DeliveryBolus     DeliveryType = 0x04
	DeliveryAll                    = DeliveryBasal | DeliveryTempBasal | DeliveryBolus
)

// CancelDeliveryCommand stops the selected delivery programs. Cancelling
// basal suspends the pod.
type CancelDeliveryCommand struct {
	Nonce    uint32
	Delivery DeliveryType
}

func (CancelDeliveryCommand) Type() BlockType { return TypeCancelDelivery }

func (c CancelDeliveryCommand) WithNonce(n uint32) Block { c.Nonce = n; return c }

func (c CancelDeliveryCommand) payload() []byte {
	return append(binary.BigEndian.AppendUint32(nil, c.Nonce), byte(c.Delivery))
}

func parseCancelDelivery(data []byte) (Block, error) {
	if err := needLength(TypeCancelDelivery, data, 5); err != nil {
		return nil, err
	}
	return CancelDeliveryCommand{
		Nonce:    binary.BigEndian.Uint32(data[0:4]),
		Delivery: DeliveryType(data[4]),
	}, nil
}

// AcknowledgeAlertsCommand clears the alert slots in Mask.
type AcknowledgeAlertsCommand struct {
	Nonce uint32
	Mask  uint8
}

func (AcknowledgeAlertsCommand) Type() BlockType { return TypeAcknowledgeAlerts }

func (c AcknowledgeAlertsCommand) WithNonce(n uint32) Block { c.Nonce = n; return c }

func (c AcknowledgeAlertsCommand) payload() []byte {
	return append(binary.BigEndian.AppendUint32(nil, c.Nonce), c.Mask)
}

func parseAcknowledgeAlerts(data []byte) (Block, error) {
	if err := needLength(TypeAcknowledgeAlerts, data, 5); err != nil {
		return nil, err
	}
	return AcknowledgeAlertsCommand{Nonce: binary.BigEndian.Uint32(data[0:4]), Mask: data[4]}, nil
}

// DeactivatePodCommand permanently stops the pod.
type DeactivatePodCommand struct {
	Nonce uint32
}

func (DeactivatePodCommand) Type() BlockType { return TypeDeactivatePod }

func (c DeactivatePodCommand) WithNonce(n uint32) Block { c.Nonce = n; return c }

func (c DeactivatePodCommand) payload() []byte {
	return binary.BigEndian.AppendUint32(nil, c.Nonce)
}

func parseDeactivatePod(data []byte) (Block, error) {
	if err := needLength(TypeDeactivatePod, data, 4); err != nil {
		return nil, err
	}
	return DeactivatePodCommand{Nonce: binary.BigEndian.Uint32(data)}, nil
}
