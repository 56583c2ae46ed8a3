// Package protocol implements the BLE envelope around pod frames: a minimal
// protobuf encoding for control, response, and encrypted data packets.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ControlType is the type field in a ControlPacket.
type ControlType uint32

const (
	ControlTypePair  ControlType = 1 // data: host compressed public key
	ControlTypeHello ControlType = 2 // data: host session nonce
)

// ControlPacket is written by the host to the control characteristic.
type ControlPacket struct {
	Type ControlType
	Data []byte
}

// ResponseType is the type field in a ResponsePacket.
type ResponseType uint32

const (
	ResponseTypeKeepalive    ResponseType = 0
	ResponseTypePairKey      ResponseType = 1 // data: pod compressed public key
	ResponseTypeSessionNonce ResponseType = 2 // data: pod session nonce
	ResponseTypeError        ResponseType = 3
)

// ResponsePacket is notified by the pod on the response characteristic.
type ResponsePacket struct {
	Type   ResponseType
	Status uint32
	Data   []byte
}

// DataPacket carries one encrypted pod frame.
type DataPacket struct {
	IV        []byte
	Tag       []byte
	Encrypted []byte
	PacketNum uint32
}

// MarshalControlPacket encodes a ControlPacket.
//
//	field 1 (uint32): type
//	field 2 (bytes):  data
func MarshalControlPacket(p ControlPacket) []byte {
	var buf []byte
	buf = append(buf, 0x08)
	buf = appendVarint(buf, uint64(p.Type))
	buf = appendBytes(buf, 0x12, p.Data)
	return buf
}

// UnmarshalControlPacket decodes a ControlPacket.
func UnmarshalControlPacket(data []byte) (*ControlPacket, error) {
	p := &ControlPacket{}
	err := walkFields(data, func(field uint8, v uint64, b []byte) {
		switch field {
		case 1:
			p.Type = ControlType(v)
		case 2:
			p.Data = b
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MarshalResponsePacket encodes a ResponsePacket.
//
//	field 1 (uint32): type
//	field 2 (uint32): status
//	field 3 (bytes):  data
func MarshalResponsePacket(p ResponsePacket) []byte {
	var buf []byte
	buf = append(buf, 0x08)
	buf = appendVarint(buf, uint64(p.Type))
	buf = append(buf, 0x10)
	buf = appendVarint(buf, uint64(p.Status))
	buf = appendBytes(buf, 0x1a, p.Data)
	return buf
}

// UnmarshalResponsePacket decodes a ResponsePacket.
func UnmarshalResponsePacket(data []byte) (*ResponsePacket, error) {
	p := &ResponsePacket{}
	err := walkFields(data, func(field uint8, v uint64, b []byte) {
		switch field {
		case 1:
			p.Type = ResponseType(v)
		case 2:
			p.Status = uint32(v)
		case 3:
			p.Data = b
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MarshalDataPacket encodes a DataPacket.
//
//	field 1 (bytes):  iv (12 bytes)
//	field 2 (bytes):  tag (16 bytes)
//	field 3 (bytes):  encrypted frame
//	field 4 (uint32): packet_num
func MarshalDataPacket(iv, tag, encrypted []byte, packetNum uint32) ([]byte, error) {
	if len(iv) != 12 {
		return nil, fmt.Errorf("protocol: iv must be 12 bytes, got %d", len(iv))
	}
	if len(tag) != 16 {
		return nil, fmt.Errorf("protocol: tag must be 16 bytes, got %d", len(tag))
	}
	var buf []byte
	buf = appendBytes(buf, 0x0a, iv)
	buf = appendBytes(buf, 0x12, tag)
	buf = appendBytes(buf, 0x1a, encrypted)
	buf = append(buf, 0x20)
	buf = appendVarint(buf, uint64(packetNum))
	return buf, nil
}

// UnmarshalDataPacket decodes a DataPacket and checks the fixed field sizes.
func UnmarshalDataPacket(data []byte) (*DataPacket, error) {
	p := &DataPacket{}
	err := walkFields(data, func(field uint8, v uint64, b []byte) {
		switch field {
		case 1:
			p.IV = b
		case 2:
			p.Tag = b
		case 3:
			p.Encrypted = b
		case 4:
			p.PacketNum = uint32(v)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(p.IV) != 12 || len(p.Tag) != 16 {
		return nil, fmt.Errorf("protocol: data packet iv/tag sizes %d/%d, want 12/16", len(p.IV), len(p.Tag))
	}
	return p, nil
}

// walkFields calls fn for each varint or length-delimited field. Byte
// fields are copied so callers may keep them.
func walkFields(data []byte, fn func(field uint8, v uint64, b []byte)) error {
	for len(data) > 0 {
		tag, n, err := readVarint(data)
		if err != nil {
			return fmt.Errorf("protocol: reading tag: %w", err)
		}
		data = data[n:]
		fieldNum := uint8(tag >> 3)
		wireType := uint8(tag & 0x07)

		switch wireType {
		case 0:
			val, n, err := readVarint(data)
			if err != nil {
				return fmt.Errorf("protocol: reading varint for field %d: %w", fieldNum, err)
			}
			data = data[n:]
			fn(fieldNum, val, nil)
		case 2:
			length, n, err := readVarint(data)
			if err != nil {
				return fmt.Errorf("protocol: reading length for field %d: %w", fieldNum, err)
			}
			data = data[n:]
			if uint64(len(data)) < length {
				return fmt.Errorf("protocol: field %d length %d exceeds remaining %d bytes", fieldNum, length, len(data))
			}
			b := make([]byte, length)
			copy(b, data[:length])
			data = data[length:]
			fn(fieldNum, 0, b)
		default:
			return fmt.Errorf("protocol: unsupported wire type %d for field %d", wireType, fieldNum)
		}
	}
	return nil
}

func appendBytes(buf []byte, tag byte, b []byte) []byte {
	buf = append(buf, tag)
	buf = appendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// appendVarint appends a protobuf varint to buf.
func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readVarint reads a protobuf varint from data, returning value and bytes consumed.
func readVarint(data []byte) (uint64, int, error) {
	val, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errors.New("protocol: invalid varint")
	}
	return val, n, nil
}
