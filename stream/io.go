// io.go - stream send, receive, close.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"github.com/katzenpost/tinyos/internal/instrument"
	"github.com/katzenpost/tinyos/wire"
)

// Send transmits b over the socket, blocking until every fragment is
// acknowledged or the retransmit budget is exhausted. It returns the number
// of bytes acknowledged by the peer; on error that count may be short.
// Sends on the same socket are serialized and concatenated in call order.
func (s *Socket) Send(b []byte) (int, error) {
	switch s.currentState() {
	case stateClosing, stateClosed:
		return 0, ErrSendFailed
	case stateOpen:
	default:
		return 0, ErrSendFailed
	}
	if len(b) == 0 {
		return 0, ErrInvalidParams
	}

	l := s.l
	s.ioMu.P()
	defer s.ioMu.V()

	frag := l.cfg.MaxPacket - wire.StreamHeaderLen
	sent := 0
	for sent < len(b) {
		n := len(b) - sent
		if n > frag {
			n = frag
		}
		chunk := b[sent : sent+n]

		// The header carries the pre-advance sequence number and the
		// internal counter advances before the fragment hits the wire:
		// the peer's matching ACK names the advanced value and may race
		// the transmit back to us.
		var hdr *wire.StreamHeader
		var dst wire.Addr
		l.rt.Masked(func() {
			hdr = &wire.StreamHeader{
				DatagramHeader: wire.DatagramHeader{
					Protocol: wire.ProtocolStream,
					SrcAddr:  s.localAddr,
					SrcPort:  uint16(s.localPort),
					DstAddr:  s.remoteAddr,
					DstPort:  uint16(s.remotePort),
				},
				Type: wire.MsgAck,
				Seq:  s.seq,
				Ack:  s.ack,
			}
			s.seq += uint32(n)
			dst = s.remoteAddr
		})
		hdrBytes := hdr.ToBytes()

		wait := l.cfg.RetransmitInitial
		acked := false
		attempt := 0
		for wait <= l.cfg.RetransmitCap {
			l.rt.Masked(func() { s.ackFlag = false })
			if attempt > 0 {
				instrument.Retransmission()
			}
			attempt++
			if _, err := l.tr.Send(dst, hdrBytes, chunk); err != nil {
				return sent, ErrSendFailed
			}

			a := l.rt.RegisterAlarm(wait, func() { s.waitAck.V() })
			s.waitAck.P()
			if s.closingOrClosed() {
				l.rt.DeregisterAlarm(a)
				return sent, ErrSendFailed
			}
			flagged := false
			l.rt.Masked(func() { flagged = s.ackFlag })
			if flagged {
				l.rt.DeregisterAlarm(a)
				sent += n
				acked = true
				break
			}
			wait *= 2
		}
		if !acked {
			// The fragment was never acknowledged; roll the sequence back
			// so a later send retells the same story.
			l.rt.Masked(func() { s.seq -= uint32(n) })
			return sent, ErrSendFailed
		}
	}
	return len(b), nil
}

// Receive blocks until stream data arrives and copies up to len(buf) bytes
// into buf. A fragment larger than buf is split; the remainder stays at the
// head of the queue with its sequence number advanced by the consumed byte
// count.
func (s *Socket) Receive(buf []byte) (int, error) {
	switch s.currentState() {
	case stateClosing, stateClosed:
		return 0, ErrReceiveFailed
	case stateOpen:
	default:
		return 0, ErrReceiveFailed
	}
	if len(buf) == 0 {
		return 0, ErrInvalidParams
	}

	l := s.l
	s.ioMu.P()
	defer s.ioMu.V()

	s.dataReady.P()
	if s.closingOrClosed() {
		return 0, ErrReceiveFailed
	}
	pkt := s.popData()
	if pkt == nil {
		return 0, ErrReceiveFailed
	}
	hdr, err := wire.ParseStreamHeader(pkt)
	if err != nil {
		return 0, ErrReceiveFailed
	}
	payload := pkt[wire.StreamHeaderLen:]
	n := copy(buf, payload)
	if len(payload) > len(buf) {
		// Requeue the remainder at the head, sequence advanced past the
		// consumed bytes, and re-signal so the next receive finds it.
		hdr.Seq += uint32(n)
		rest := append(hdr.ToBytes(), payload[n:]...)
		l.rt.Masked(func() {
			s.data.Prepend(&packetRef{b: rest})
		})
		s.dataReady.V()
	}
	return n, nil
}

// Close tears the connection down. On an open socket the FIN is
// retransmitted with the usual backoff until acknowledged; resources are
// released unconditionally afterwards. Close never fails and is idempotent.
func (s *Socket) Close() {
	l := s.l
	var st state
	done := false
	l.rt.Masked(func() {
		if s.freed {
			done = true
			return
		}
		st = s.state
		if st == stateClosing || st == stateClosed {
			s.freeLocked()
			done = true
		}
	})
	if done {
		return
	}

	var hdrBytes []byte
	var dst wire.Addr
	l.rt.Masked(func() {
		s.ackFlag = false
		hdr := &wire.StreamHeader{
			DatagramHeader: wire.DatagramHeader{
				Protocol: wire.ProtocolStream,
				SrcAddr:  s.localAddr,
				SrcPort:  uint16(s.localPort),
				DstAddr:  s.remoteAddr,
				DstPort:  uint16(s.remotePort),
			},
			Type: wire.MsgFin,
			Seq:  s.seq,
			Ack:  s.ack,
		}
		hdrBytes = hdr.ToBytes()
		// The peer acknowledges the FIN at the advanced sequence number.
		s.seq++
		dst = s.remoteAddr
	})

	wait := l.cfg.RetransmitInitial
	attempt := 0
	for wait <= l.cfg.RetransmitCap {
		if attempt > 0 {
			l.rt.Masked(func() { s.ackFlag = false })
			instrument.Retransmission()
		}
		attempt++
		if _, err := l.tr.Send(dst, hdrBytes, nil); err != nil {
			break
		}

		a := l.rt.RegisterAlarm(wait, func() { s.waitAck.V() })
		s.waitAck.P()
		flagged := false
		l.rt.Masked(func() { flagged = s.ackFlag })
		if flagged {
			l.rt.DeregisterAlarm(a)
			break
		}
		wait *= 2
	}
	// Best effort reliable: whether or not the FIN was acknowledged, the
	// socket is gone now.
	s.free()
}

// lingerClose is the CLOSING linger alarm callback: release the socket
// without blocking.
func (s *Socket) lingerClose() {
	s.l.rt.Masked(func() {
		if s.state == stateClosing && !s.freed {
			s.freeLocked()
		}
	})
}
