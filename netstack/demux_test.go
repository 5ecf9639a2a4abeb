// demux_test.go - demux tests.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package netstack

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/tinyos/core/log"
	"github.com/katzenpost/tinyos/wire"
)

func newTestDemux(t *testing.T) *Demux {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return NewDemux(backend)
}

func TestDemuxRoutesByProtocol(t *testing.T) {
	d := newTestDemux(t)
	var got []byte
	d.Register(wire.ProtocolDatagram, func(pkt []byte) { got = pkt })

	h := &wire.DatagramHeader{Protocol: wire.ProtocolDatagram, DstPort: 7}
	pkt := h.ToBytes()
	d.HandlePacket(pkt)
	require.Equal(t, pkt, got)
}

func TestDemuxDropsShortPackets(t *testing.T) {
	d := newTestDemux(t)
	called := false
	d.Register(wire.ProtocolDatagram, func(pkt []byte) { called = true })
	d.HandlePacket([]byte{'1', 2, 3})
	require.False(t, called)
}

func TestDemuxDropsUnknownProtocol(t *testing.T) {
	d := newTestDemux(t)
	called := false
	d.Register(wire.ProtocolDatagram, func(pkt []byte) { called = true })

	h := &wire.DatagramHeader{Protocol: 9}
	d.HandlePacket(h.ToBytes())
	require.False(t, called)

	// A raw binary protocol byte is not the ASCII digit form.
	pkt := h.ToBytes()
	pkt[0] = 0x02
	d.HandlePacket(pkt)
	require.False(t, called)
}
