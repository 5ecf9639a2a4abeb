// header.go - packet header codecs.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// DatagramHeaderLen is the wire size of a datagram header.
	DatagramHeaderLen = 21

	// StreamHeaderLen is the wire size of a stream header.
	StreamHeaderLen = 34

	// ProtocolDatagram is the protocol number of the unreliable datagram
	// layer.
	ProtocolDatagram = 1

	// ProtocolStream is the protocol number of the reliable stream layer.
	ProtocolStream = 2
)

// Port space boundaries. The datagram and stream layers partition their
// 16 bit port spaces identically: the lower half is for listeners (unbound
// ports, stream servers), the upper half is allocated by the local node
// (bound ports, stream clients).
const (
	MinListenerPort  = 0
	MaxListenerPort  = 32767
	MinEphemeralPort = 32768
	MaxEphemeralPort = 65535
	NumPorts         = 65536
)

// MsgType is the stream control packet type.
type MsgType uint8

const (
	MsgSyn MsgType = iota + 1
	MsgSynAck
	MsgAck
	MsgFin
)

func (m MsgType) String() string {
	switch m {
	case MsgSyn:
		return "SYN"
	case MsgSynAck:
		return "SYNACK"
	case MsgAck:
		return "ACK"
	case MsgFin:
		return "FIN"
	}
	return "UNKNOWN"
}

// The protocol and message type octets are transmitted as ASCII decimal
// digits, matching the original wire image bit for bit.

// EncodeDigit encodes a small integer field as its ASCII digit.
func EncodeDigit(v uint8) byte {
	return '0' + v
}

// DecodeDigit decodes an ASCII digit field.
func DecodeDigit(b byte) (uint8, error) {
	if b < '0' || b > '9' {
		return 0, fmt.Errorf("wire: not an ASCII digit field: %#02x", b)
	}
	return b - '0', nil
}

// DatagramHeader is the 21 byte header prefixed to every packet:
//
//	protocol(1) | src_addr(8) | src_port(2) | dst_addr(8) | dst_port(2)
//
// Multi byte fields are big endian.
type DatagramHeader struct {
	Protocol uint8
	SrcAddr  Addr
	SrcPort  uint16
	DstAddr  Addr
	DstPort  uint16
}

// ToBytes serializes the header.
func (h *DatagramHeader) ToBytes() []byte {
	b := make([]byte, DatagramHeaderLen)
	h.pack(b)
	return b
}

func (h *DatagramHeader) pack(b []byte) {
	b[0] = EncodeDigit(h.Protocol)
	binary.BigEndian.PutUint64(b[1:9], uint64(h.SrcAddr))
	binary.BigEndian.PutUint16(b[9:11], h.SrcPort)
	binary.BigEndian.PutUint64(b[11:19], uint64(h.DstAddr))
	binary.BigEndian.PutUint16(b[19:21], h.DstPort)
}

func (h *DatagramHeader) unpack(b []byte) error {
	proto, err := DecodeDigit(b[0])
	if err != nil {
		return err
	}
	h.Protocol = proto
	h.SrcAddr = Addr(binary.BigEndian.Uint64(b[1:9]))
	h.SrcPort = binary.BigEndian.Uint16(b[9:11])
	h.DstAddr = Addr(binary.BigEndian.Uint64(b[11:19]))
	h.DstPort = binary.BigEndian.Uint16(b[19:21])
	return nil
}

// ParseDatagramHeader deserializes a datagram header from the front of b.
func ParseDatagramHeader(b []byte) (*DatagramHeader, error) {
	if len(b) < DatagramHeaderLen {
		return nil, fmt.Errorf("wire: truncated datagram header: %d bytes", len(b))
	}
	h := new(DatagramHeader)
	if err := h.unpack(b); err != nil {
		return nil, err
	}
	return h, nil
}

// StreamHeader is the 34 byte header of the reliable stream layer: the
// datagram header followed by msg_type(1) | seq(4) | ack(4). The last four
// bytes of the header are unused and transmitted as zero.
type StreamHeader struct {
	DatagramHeader
	Type MsgType
	Seq  uint32
	Ack  uint32
}

// ToBytes serializes the header.
func (h *StreamHeader) ToBytes() []byte {
	b := make([]byte, StreamHeaderLen)
	h.pack(b[:DatagramHeaderLen])
	b[21] = EncodeDigit(uint8(h.Type))
	binary.BigEndian.PutUint32(b[22:26], h.Seq)
	binary.BigEndian.PutUint32(b[26:30], h.Ack)
	return b
}

// ParseStreamHeader deserializes a stream header from the front of b.
func ParseStreamHeader(b []byte) (*StreamHeader, error) {
	if len(b) < StreamHeaderLen {
		return nil, fmt.Errorf("wire: truncated stream header: %d bytes", len(b))
	}
	h := new(StreamHeader)
	if err := h.unpack(b[:DatagramHeaderLen]); err != nil {
		return nil, err
	}
	t, err := DecodeDigit(b[21])
	if err != nil {
		return nil, err
	}
	h.Type = MsgType(t)
	if h.Type < MsgSyn || h.Type > MsgFin {
		return nil, fmt.Errorf("wire: invalid stream message type: %d", t)
	}
	h.Seq = binary.BigEndian.Uint32(b[22:26])
	h.Ack = binary.BigEndian.Uint32(b[26:30])
	return h, nil
}
