// ingress.go - stream packet ingress.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"github.com/katzenpost/tinyos/internal/instrument"
	"github.com/katzenpost/tinyos/wire"
)

// HandlePacket is the ingress entry point for stream packets, registered
// with the demux. It runs in interrupt context and never blocks: table and
// queue mutation happens under the mask, wakeups go through V, and any
// replies go straight back out the transport.
func (l *Layer) HandlePacket(pkt []byte) {
	if len(pkt) < wire.StreamHeaderLen {
		instrument.PacketsDropped()
		return
	}
	hdr, err := wire.ParseStreamHeader(pkt)
	if err != nil {
		instrument.PacketsDropped()
		return
	}
	port := int(hdr.DstPort)

	var s *Socket
	var st state
	l.rt.Masked(func() {
		s = l.ports[port]
		if s != nil {
			st = s.state
		}
	})
	if s == nil || st == stateInitial || st == stateClosed {
		instrument.PacketsDropped()
		return
	}

	if st != stateOpen {
		// Handshake in progress (or lingering in CLOSING): queue the raw
		// packet for whoever is blocked on the socket to inspect.
		l.rt.Masked(func() {
			s.data.Append(&packetRef{b: pkt})
		})
		s.dataReady.V()
		return
	}

	var raddr wire.Addr
	var rport int
	var seq, ack uint32
	l.rt.Masked(func() {
		raddr, rport = s.remoteAddr, s.remotePort
		seq, ack = s.seq, s.ack
	})

	if hdr.SrcAddr != raddr || int(hdr.SrcPort) != rport {
		if hdr.Type == wire.MsgSyn {
			// A stranger knocking on an established connection's port.
			l.sendControl(wire.MsgFin, port, hdr.SrcAddr, int(hdr.SrcPort), 0, 0)
		}
		instrument.PacketsDropped()
		return
	}

	switch hdr.Type {
	case wire.MsgSyn:
		instrument.PacketsDropped()

	case wire.MsgSynAck:
		// Spurious handshake retransmit; a bare ACK settles the peer.
		l.sendControl(wire.MsgAck, port, raddr, rport, 0, 0)

	case wire.MsgFin:
		var seqNow, ackNow uint32
		l.rt.Masked(func() {
			s.ack++
			seqNow, ackNow = s.seq, s.ack
			s.state = stateClosing
		})
		l.sendControl(wire.MsgAck, port, raddr, rport, seqNow, ackNow)
		// Unblock pending receives so they observe CLOSING.
		for s.dataReady.Count() < 0 {
			s.dataReady.V()
		}
		// Likewise an in-flight send waiting on its ACK.
		wake := false
		l.rt.Masked(func() { wake = !s.ackFlag })
		if wake {
			s.waitAck.V()
		}
		l.rt.RegisterAlarm(l.cfg.CloseLinger, s.lingerClose)
		l.log.Debugf("port %d: FIN from peer, closing", port)

	case wire.MsgAck:
		if hdr.Ack != seq {
			// Not the acknowledgement the sender is waiting for.
			instrument.PacketsDropped()
			return
		}
		payload := pkt[wire.StreamHeaderLen:]
		if len(payload) > 0 {
			if hdr.Seq == ack {
				var seqNow, ackNow uint32
				l.rt.Masked(func() {
					s.data.Append(&packetRef{b: pkt})
					s.ack += uint32(len(payload))
					seqNow, ackNow = s.seq, s.ack
				})
				s.dataReady.V()
				l.sendControl(wire.MsgAck, port, raddr, rport, seqNow, ackNow)
			} else {
				// Duplicate of data already delivered; the peer missed our
				// acknowledgement, so repeat it.
				l.sendControl(wire.MsgAck, port, raddr, rport, seq, ack)
				instrument.PacketsDropped()
			}
		}
		wake := false
		l.rt.Masked(func() {
			if !s.ackFlag {
				s.ackFlag = true
				wake = true
			}
		})
		if wake {
			s.waitAck.V()
		}
	}
}
