// Package frame implements the text-delimited mesh frame used on the serial link:
//
//	!<destination>:<source>:<packet_type>|<metadata>|<payload>!
//
// The metadata block is a flat JSON object. Payload bytes are escaped with '\'
// so that '!' and '\' may appear in them; ':' and '|' need no escaping because
// the payload region only ends at an unescaped terminator.
package frame

import (
	"bytes"
	"fmt"
)

// Wire markers.
const (
	Preamble   byte = '!'
	Terminator byte = '!'
	FieldSep   byte = ':'
	Separator  byte = '|'
	Escape     byte = '\\'
)

// Broadcast is the destination sentinel addressing every node on the mesh.
const Broadcast = "*"

// PacketType is the closed set of frame kinds carried on the mesh.
type PacketType uint8

const (
	TypeData PacketType = iota + 1
	TypeNodeInfo
	TypeText
)

var packetTypeNames = [...]string{
	TypeData:     "DATA",
	TypeNodeInfo: "NODE_INFO",
	TypeText:     "TEXT",
}

func (t PacketType) String() string {
	if t.Valid() {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	return t >= TypeData && t <= TypeText
}

// ParsePacketType maps a wire token to its PacketType.
func ParsePacketType(s string) (PacketType, error) {
	for t := TypeData; t <= TypeText; t++ {
		if packetTypeNames[t] == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Frame is one decoded mesh frame. Frames are not modified after construction.
type Frame struct {
	Destination string
	Source      string
	Type        PacketType
	Metadata    *Metadata
	Payload     []byte
}

// IsBroadcast reports whether the frame is addressed to every node.
func (f *Frame) IsBroadcast() bool {
	return f.Destination == Broadcast
}

// Equal compares two frames field by field, metadata included.
func (f *Frame) Equal(o *Frame) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.Destination == o.Destination &&
		f.Source == o.Source &&
		f.Type == o.Type &&
		f.Metadata.Equal(o.Metadata) &&
		bytes.Equal(f.Payload, o.Payload)
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s %s->%s meta=%s len=%d", f.Type, f.Source, f.Destination, f.Metadata, len(f.Payload))
}

// Limits bounds the size of each frame region.
type Limits struct {
	MaxNodeID   int
	MaxMetadata int
	MaxPayload  int
}

// DefaultLimits sizes the payload for a 1500 byte interface MTU.
func DefaultLimits() Limits {
	return Limits{
		MaxNodeID:   64,
		MaxMetadata: 1024,
		MaxPayload:  1500,
	}
}

// ValidateNodeID checks that id can be used as a frame source.
func ValidateNodeID(id string) error {
	return checkNodeID(id, false, DefaultLimits().MaxNodeID)
}

func checkNodeID(id string, allowBroadcast bool, maxLen int) error {
	if id == "" {
		return ErrEmptyField
	}
	if maxLen > 0 && len(id) > maxLen {
		return ErrFieldTooLong
	}
	if id == Broadcast {
		if allowBroadcast {
			return nil
		}
		return ErrBroadcastSource
	}
	for i := 0; i < len(id); i++ {
		if reservedInHeader(id[i]) {
			return fmt.Errorf("%w: %q", ErrReservedByte, id[i])
		}
	}
	return nil
}

func reservedInHeader(b byte) bool {
	switch b {
	case Preamble, FieldSep, Separator, Escape:
		return true
	}
	return b <= ' ' || b == 0x7f
}
