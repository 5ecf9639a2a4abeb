// header_test.go - header codec tests.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatagramHeaderLayout(t *testing.T) {
	h := &DatagramHeader{
		Protocol: ProtocolDatagram,
		SrcAddr:  0x0102030405060708,
		SrcPort:  0x1122,
		DstAddr:  0x1112131415161718,
		DstPort:  0x3344,
	}
	b := h.ToBytes()
	require.Len(t, b, DatagramHeaderLen)
	want := []byte{
		'1',
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x11, 0x22,
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
		0x33, 0x44,
	}
	require.Equal(t, want, b)

	parsed, err := ParseDatagramHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestStreamHeaderLayout(t *testing.T) {
	h := &StreamHeader{
		DatagramHeader: DatagramHeader{
			Protocol: ProtocolStream,
			SrcAddr:  0xa,
			SrcPort:  40000,
			DstAddr:  0xb,
			DstPort:  80,
		},
		Type: MsgSynAck,
		Seq:  0x01020304,
		Ack:  0x0a0b0c0d,
	}
	b := h.ToBytes()
	require.Len(t, b, StreamHeaderLen)
	require.Equal(t, byte('2'), b[0])
	require.Equal(t, byte('2'), b[21])
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b[22:26])
	require.Equal(t, []byte{0x0a, 0x0b, 0x0c, 0x0d}, b[26:30])
	require.Equal(t, []byte{0, 0, 0, 0}, b[30:34])

	parsed, err := ParseStreamHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseTruncated(t *testing.T) {
	_, err := ParseDatagramHeader(make([]byte, DatagramHeaderLen-1))
	require.Error(t, err)
	_, err = ParseStreamHeader(make([]byte, StreamHeaderLen-1))
	require.Error(t, err)
}

func TestParseRejectsNonDigitFields(t *testing.T) {
	h := &DatagramHeader{Protocol: ProtocolDatagram}
	b := h.ToBytes()
	b[0] = 0x01 // raw binary instead of the ASCII digit form
	_, err := ParseDatagramHeader(b)
	require.Error(t, err)

	sh := &StreamHeader{
		DatagramHeader: DatagramHeader{Protocol: ProtocolStream},
		Type:           MsgAck,
	}
	sb := sh.ToBytes()
	sb[21] = 0xff
	_, err = ParseStreamHeader(sb)
	require.Error(t, err)
}

func TestParseRejectsUnknownMsgType(t *testing.T) {
	sh := &StreamHeader{
		DatagramHeader: DatagramHeader{Protocol: ProtocolStream},
		Type:           MsgAck,
	}
	b := sh.ToBytes()
	b[21] = '9'
	_, err := ParseStreamHeader(b)
	require.Error(t, err)
}

func TestDigitRoundTrip(t *testing.T) {
	for v := uint8(0); v <= 9; v++ {
		d, err := DecodeDigit(EncodeDigit(v))
		require.NoError(t, err)
		require.Equal(t, v, d)
	}
	_, err := DecodeDigit('a')
	require.Error(t, err)
}
