// Package message implements the pod's binary message framing: a 32-bit
// address, a 4-bit sequence number, a list of typed blocks, and a CRC-16
// trailer. Encoding and decoding are pure functions.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SeqModulus is the sequence number base. Sequence numbers wrap at 16.
const SeqModulus = 16

// MaxBodyLength is the largest block payload a 10-bit length field can carry.
const MaxBodyLength = 0x3ff

const (
	headerLength = 6
	crcLength    = 2
)

// Message is one frame exchanged with the pod.
type Message struct {
	Address        uint32
	Seq            uint8
	ExpectFollowOn bool
	Blocks         []Block
}

// NextSeq returns seq+n modulo SeqModulus.
func NextSeq(seq uint8, n int) uint8 {
	return uint8((int(seq) + n) % SeqModulus)
}

// Encode serializes a message into a frame.
//
//	address(4) | flags(1) | length(1) | blocks | crc16(2)
//	flags: bit7 expectFollowOn, bits5..2 seq, bits1..0 length>>8
func Encode(m Message) ([]byte, error) {
	if m.Seq >= SeqModulus {
		return nil, fmt.Errorf("message: sequence %d out of range", m.Seq)
	}
	if len(m.Blocks) == 0 {
		return nil, errors.New("message: no blocks to encode")
	}

	var body []byte
	for _, b := range m.Blocks {
		body = appendBlock(body, b)
	}
	if len(body) > MaxBodyLength {
		return nil, fmt.Errorf("message: body length %d exceeds %d", len(body), MaxBodyLength)
	}

	frame := make([]byte, headerLength, headerLength+len(body)+crcLength)
	binary.BigEndian.PutUint32(frame[0:4], m.Address)
	flags := (m.Seq & 0x0f) << 2
	if m.ExpectFollowOn {
		flags |= 0x80
	}
	flags |= uint8(len(body)>>8) & 0x03
	frame[4] = flags
	frame[5] = uint8(len(body) & 0xff)
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint16(frame, CRC16(frame))
	return frame, nil
}

// Decode parses a frame. CRC is verified before any block is parsed.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerLength+crcLength {
		return Message{}, &DecodeError{Kind: Truncated, Detail: fmt.Sprintf("frame is %d bytes", len(frame))}
	}
	length := int(frame[4]&0x03)<<8 | int(frame[5])
	if len(frame) < headerLength+length+crcLength {
		return Message{}, &DecodeError{Kind: Truncated, Detail: fmt.Sprintf("length %d exceeds frame", length)}
	}
	frame = frame[:headerLength+length+crcLength]

	want := binary.BigEndian.Uint16(frame[headerLength+length:])
	if got := CRC16(frame[:headerLength+length]); got != want {
		return Message{}, &DecodeError{Kind: CRCMismatch, Detail: fmt.Sprintf("computed %04x, frame carries %04x", got, want)}
	}

	m := Message{
		Address:        binary.BigEndian.Uint32(frame[0:4]),
		Seq:            (frame[4] >> 2) & 0x0f,
		ExpectFollowOn: frame[4]&0x80 != 0,
	}
	body := frame[headerLength : headerLength+length]
	for len(body) > 0 {
		b, n, err := decodeBlock(body)
		if err != nil {
			return Message{}, err
		}
		m.Blocks = append(m.Blocks, b)
		body = body[n:]
	}
	if len(m.Blocks) == 0 {
		return Message{}, &DecodeError{Kind: Truncated, Detail: "frame has no blocks"}
	}
	return m, nil
}

// Block returns the first block of the given type, or nil.
func (m Message) Block(t BlockType) Block {
	for _, b := range m.Blocks {
		if b.Type() == t {
			return b
		}
	}
	return nil
}

var crcTable = makeCRCTable(0x1021)

func makeCRCTable(poly uint16) [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xffff).
func CRC16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}
