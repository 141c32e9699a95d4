package core

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies the payload carried by an OverlayMessage (§3, §6).
// The high bit (0x80) marks a routable type: one with a meaningful
// destination, as opposed to a link-local message exchanged only with an
// immediate neighbor.
type MessageType uint8

const (
	MsgDummy    MessageType = 0x00
	MsgOffer    MessageType = 0x01
	MsgSuggest  MessageType = 0x02
	MsgRetrieve MessageType = 0x03
	MsgStore    MessageType = 0x04
	MsgValue    MessageType = 0x05
	MsgCall     MessageType = 0x81
	MsgData     MessageType = 0x82
	MsgTunnel   MessageType = 0x83
	MsgPing     MessageType = 0x84
	MsgPong     MessageType = 0x85
)

// routableBit marks a MessageType as carrying a meaningful Destination.
const routableBit = 0x80

// Routable reports whether t is addressed to a specific node rather than
// being link-local.
func (t MessageType) Routable() bool { return t&routableBit != 0 }

func (t MessageType) String() string {
	switch t {
	case MsgDummy:
		return "dummy"
	case MsgOffer:
		return "offer"
	case MsgSuggest:
		return "suggest"
	case MsgRetrieve:
		return "retrieve"
	case MsgStore:
		return "store"
	case MsgValue:
		return "value"
	case MsgCall:
		return "call"
	case MsgData:
		return "data"
	case MsgTunnel:
		return "tunnel"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// OverlayFlagRelayed is a flag bit for marking relayed traffic. Nothing in
// this module sets or reads it: OverlayNode.Send forwards messages with
// their Flags unchanged, and routing never looks at Flags.
const OverlayFlagRelayed uint8 = 0x01

// OverlayMessage is the uniform wire frame for every overlay exchange
// (§3 "Overlay Message", §6's byte layout). Source/Destination are
// variable-length (0..255 bytes) so link-local messages can omit one or
// both ends; in practice this implementation always uses full 32-byte
// Identifiers when a field is present.
type OverlayMessage struct {
	Version     uint8
	Flags       uint8
	TTL         uint8
	Type        MessageType
	Source      Identifier
	HasSource   bool
	Destination Identifier
	HasDest     bool
	Content     []byte
}

// DefaultOverlayTTL bounds routed-message hop count (§4.4).
const DefaultOverlayTTL = 32

const overlayHeaderSize = 1 + 1 + 1 + 1 + 1 + 1 + 2 // version,flags,ttl,type,source_size,dest_size,content_size

// Encode renders m in its wire format (§6).
func (m *OverlayMessage) Encode() ([]byte, error) {
	sourceSize := 0
	if m.HasSource {
		sourceSize = IdentifierSize
	}
	destSize := 0
	if m.HasDest {
		destSize = IdentifierSize
	}
	if len(m.Content) > 0xFFFF {
		return nil, fmt.Errorf("overlay message: content too large (%d bytes)", len(m.Content))
	}

	buf := make([]byte, overlayHeaderSize+sourceSize+destSize+len(m.Content))
	buf[0] = m.Version
	buf[1] = m.Flags
	buf[2] = m.TTL
	buf[3] = uint8(m.Type)
	buf[4] = uint8(sourceSize)
	buf[5] = uint8(destSize)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(m.Content)))
	off := overlayHeaderSize
	if m.HasSource {
		copy(buf[off:], m.Source[:])
		off += IdentifierSize
	}
	if m.HasDest {
		copy(buf[off:], m.Destination[:])
		off += IdentifierSize
	}
	copy(buf[off:], m.Content)
	return buf, nil
}

// DecodeOverlayMessage parses a frame produced by Encode.
func DecodeOverlayMessage(data []byte) (*OverlayMessage, error) {
	if len(data) < overlayHeaderSize {
		return nil, fmt.Errorf("%w: overlay header truncated", ErrInvalidRecord)
	}
	m := &OverlayMessage{
		Version: data[0],
		Flags:   data[1],
		TTL:     data[2],
		Type:    MessageType(data[3]),
	}
	sourceSize := int(data[4])
	destSize := int(data[5])
	contentSize := int(binary.BigEndian.Uint16(data[6:8]))

	off := overlayHeaderSize
	if sourceSize > 0 {
		if sourceSize != IdentifierSize || len(data) < off+sourceSize {
			return nil, fmt.Errorf("%w: bad source field", ErrInvalidRecord)
		}
		id, err := IdentifierFromBytes(data[off : off+sourceSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		m.Source, m.HasSource = id, true
		off += sourceSize
	}
	if destSize > 0 {
		if destSize != IdentifierSize || len(data) < off+destSize {
			return nil, fmt.Errorf("%w: bad destination field", ErrInvalidRecord)
		}
		id, err := IdentifierFromBytes(data[off : off+destSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		m.Destination, m.HasDest = id, true
		off += destSize
	}
	if len(data) < off+contentSize {
		return nil, fmt.Errorf("%w: content truncated", ErrInvalidRecord)
	}
	m.Content = append([]byte(nil), data[off:off+contentSize]...)
	return m, nil
}

// Decrement returns a copy of m with TTL reduced by one, or ok=false if TTL
// is already zero (the message must be dropped, not forwarded).
func (m *OverlayMessage) Decrement() (next *OverlayMessage, ok bool) {
	if m.TTL == 0 {
		return nil, false
	}
	cp := *m
	cp.TTL--
	cp.Content = append([]byte(nil), m.Content...)
	return &cp, true
}
