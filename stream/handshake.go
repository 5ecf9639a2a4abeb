// handshake.go - connection establishment.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"github.com/katzenpost/tinyos/internal/instrument"
	"github.com/katzenpost/tinyos/wire"
)

// Listen blocks until a client completes the three way handshake against
// the given server port and returns the open socket. Must be called from a
// kernel thread.
func (l *Layer) Listen(port int) (*Socket, error) {
	if port < wire.MinListenerPort || port > wire.MaxListenerPort {
		return nil, ErrInvalidParams
	}
	s := l.newSocket(port)
	inUse := false
	l.rt.Masked(func() {
		if l.ports[port] != nil {
			inUse = true
			return
		}
		l.ports[port] = s
	})
	if inUse {
		return nil, ErrPortInUse
	}

	for {
		l.rt.Masked(func() {
			s.seq, s.ack = 0, 0
			s.remoteAddr, s.remotePort = wire.NullAddr, 0
			s.state = stateWaitingSyn
		})

		// Wait for a SYN to pin the peer.
		for {
			s.dataReady.P()
			pkt := s.popData()
			if pkt == nil {
				continue
			}
			hdr, err := wire.ParseStreamHeader(pkt)
			if err != nil {
				continue
			}
			if hdr.Type == wire.MsgSyn {
				l.rt.Masked(func() {
					s.remoteAddr = hdr.SrcAddr
					s.remotePort = int(hdr.SrcPort)
					s.state = stateWaitingAck
					s.seq, s.ack = 0, 1
				})
				l.log.Debugf("port %d: SYN from %v:%d", port, hdr.SrcAddr, hdr.SrcPort)
				break
			}
		}

		// Retransmit SYNACK until the peer's ACK lands or the budget runs
		// out; the latter restarts the listen.
		if s.waitSynAckAccept() {
			instrument.StreamOpened()
			l.log.Debugf("port %d: open, peer %v:%d", port, s.remoteAddr, s.remotePort)
			return s, nil
		}
		l.log.Debugf("port %d: handshake abandoned, re-listening", port)
	}
}

// waitSynAckAccept runs the server side SYNACK retransmit loop. It reports
// whether the socket reached OPEN.
func (s *Socket) waitSynAckAccept() bool {
	l := s.l
	wait := l.cfg.RetransmitInitial
	for wait <= l.cfg.RetransmitCap {
		if err := s.sendControl(wire.MsgSynAck, s.remoteAddr, s.remotePort, 0, 1); err != nil {
			return false
		}
		l.rt.Masked(func() { s.seq, s.ack = 1, 1 })

		a := l.rt.RegisterAlarm(wait, func() { s.dataReady.V() })
		s.dataReady.P()
		if s.pending() > 0 {
			l.rt.DeregisterAlarm(a)
		} else {
			wait *= 2
			instrument.Retransmission()
			continue
		}

		pkt := s.popData()
		if pkt == nil {
			wait *= 2
			instrument.Retransmission()
			continue
		}
		hdr, err := wire.ParseStreamHeader(pkt)
		if err != nil {
			continue
		}
		fromPeer := hdr.SrcAddr == s.remoteAddr && int(hdr.SrcPort) == s.remotePort
		switch hdr.Type {
		case wire.MsgSyn:
			if fromPeer {
				// Duplicate SYN; loop resends the SYNACK.
				continue
			}
			// Somebody else wants this port mid handshake: turn them away.
			s.sendControl(wire.MsgFin, hdr.SrcAddr, int(hdr.SrcPort), 0, 0)
		case wire.MsgAck:
			if fromPeer {
				s.drainAndRearm()
				l.rt.Masked(func() {
					s.state = stateOpen
					s.seq, s.ack = 1, 2
				})
				return true
			}
		}
	}
	return false
}

// Dial initiates a connection to the server at addr:port, blocking until
// the handshake completes. Must be called from a kernel thread.
func (l *Layer) Dial(addr wire.Addr, port int) (*Socket, error) {
	if addr.IsNull() || port < wire.MinListenerPort || port > wire.MaxListenerPort {
		return nil, ErrInvalidParams
	}

	localPort := -1
	l.rt.Masked(func() {
		for i := 0; i < wire.MaxEphemeralPort-wire.MinEphemeralPort+1; i++ {
			candidate := wire.MinEphemeralPort +
				(l.cursor+i)%(wire.MaxEphemeralPort-wire.MinEphemeralPort+1)
			if l.ports[candidate] == nil {
				localPort = candidate
				l.cursor = (candidate-wire.MinEphemeralPort + 1) %
					(wire.MaxEphemeralPort - wire.MinEphemeralPort + 1)
				break
			}
		}
	})
	if localPort == -1 {
		return nil, ErrNoMorePorts
	}

	s := l.newSocket(localPort)
	l.rt.Masked(func() {
		s.remoteAddr = addr
		s.remotePort = port
		s.state = stateWaitingSynAck
		l.ports[localPort] = s
	})

	wait := l.cfg.RetransmitInitial
	for wait <= l.cfg.RetransmitCap {
		if err := s.sendControl(wire.MsgSyn, addr, port, 0, 0); err != nil {
			s.free()
			return nil, err
		}
		l.rt.Masked(func() { s.seq, s.ack = 1, 0 })

		a := l.rt.RegisterAlarm(wait, func() { s.dataReady.V() })
		s.dataReady.P()
		if s.pending() > 0 {
			l.rt.DeregisterAlarm(a)
		} else {
			wait *= 2
			instrument.Retransmission()
			continue
		}

		pkt := s.popData()
		if pkt == nil {
			wait *= 2
			instrument.Retransmission()
			continue
		}
		hdr, err := wire.ParseStreamHeader(pkt)
		if err != nil {
			continue
		}
		if hdr.SrcAddr != addr || int(hdr.SrcPort) != port {
			continue
		}
		switch hdr.Type {
		case wire.MsgSynAck:
			l.rt.Masked(func() { s.seq, s.ack = 1, 1 })
			if err := s.sendControl(wire.MsgAck, addr, port, 1, 1); err != nil {
				s.free()
				return nil, err
			}
			s.drainAndRearm()
			l.rt.Masked(func() {
				s.state = stateOpen
				s.seq, s.ack = 2, 1
			})
			instrument.StreamOpened()
			l.log.Debugf("port %d: open to %v:%d", localPort, addr, port)
			return s, nil
		case wire.MsgFin:
			// The server side refused.
			s.free()
			return nil, ErrNoServer
		}
	}
	s.free()
	return nil, ErrNoServer
}
