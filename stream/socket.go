// socket.go - reliable stream sockets.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package stream implements the reliable, in-order byte stream socket on
// top of the raw datagram substrate: three way handshake, stop-and-wait
// retransmission with exponential backoff, and FIN teardown with a linger
// period.
package stream

import (
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tinyos/core/log"
	"github.com/katzenpost/tinyos/core/queue"
	"github.com/katzenpost/tinyos/internal/instrument"
	"github.com/katzenpost/tinyos/kernel"
	"github.com/katzenpost/tinyos/transport"
	"github.com/katzenpost/tinyos/wire"
)

var (
	// ErrInvalidParams is returned for out of range ports and nil or empty
	// buffers.
	ErrInvalidParams = errors.New("stream: invalid parameters")

	// ErrPortInUse is returned when a server port already has a socket.
	ErrPortInUse = errors.New("stream: port in use")

	// ErrNoMorePorts is returned when the client port space is exhausted.
	ErrNoMorePorts = errors.New("stream: no more ports")

	// ErrNoServer is returned when the connect retransmit budget is
	// exhausted without a SYNACK, or the peer answers with a FIN.
	ErrNoServer = errors.New("stream: no server")

	// ErrBusy names the remote-busy condition. No operation returns it: a
	// client refused with a FIN cannot tell busy from absent and gets
	// ErrNoServer.
	ErrBusy = errors.New("stream: remote busy")

	// ErrSendFailed is returned when a send times out, the substrate
	// rejects a packet, or the peer closed the connection.
	ErrSendFailed = errors.New("stream: send failed")

	// ErrReceiveFailed is returned when the peer closed the connection
	// while a receive was pending.
	ErrReceiveFailed = errors.New("stream: receive failed")
)

type state uint8

const (
	stateInitial state = iota
	stateWaitingSyn
	stateWaitingSynAck
	stateWaitingAck
	stateOpen
	stateClosing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateInitial:
		return "INITIAL"
	case stateWaitingSyn:
		return "WAITING_SYN"
	case stateWaitingSynAck:
		return "WAITING_SYNACK"
	case stateWaitingAck:
		return "WAITING_ACK"
	case stateOpen:
		return "OPEN"
	case stateClosing:
		return "CLOSING"
	case stateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Config carries the stream layer tunables. The zero value selects the
// defaults.
type Config struct {
	// MaxPacket bounds header plus payload for one stream fragment.
	MaxPacket int

	// RetransmitInitial is the first retransmit timeout; it doubles up to
	// RetransmitCap before the budget is declared exhausted.
	RetransmitInitial time.Duration
	RetransmitCap     time.Duration

	// CloseLinger is how long a passively closed socket lingers in CLOSING
	// before its resources are released.
	CloseLinger time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxPacket <= wire.StreamHeaderLen {
		cfg.MaxPacket = 4096
	}
	if cfg.RetransmitInitial <= 0 {
		cfg.RetransmitInitial = 100 * time.Millisecond
	}
	if cfg.RetransmitCap <= 0 {
		cfg.RetransmitCap = 12800 * time.Millisecond
	}
	if cfg.CloseLinger <= 0 {
		cfg.CloseLinger = 15 * time.Second
	}
}

// Layer is the stream layer of one node. Server sockets live on ports
// 0..32767, client sockets on 32768..65535, in one flat table.
type Layer struct {
	rt  *kernel.Runtime
	tr  transport.Transport
	log *logging.Logger
	cfg Config

	// ports is guarded by the interrupt mask: the ingress path and the
	// linger alarm touch it besides user threads.
	ports  [wire.NumPorts]*Socket
	cursor int
}

// NewLayer constructs the stream layer.
func NewLayer(rt *kernel.Runtime, tr transport.Transport, cfg Config, logBackend *log.Backend) *Layer {
	cfg.applyDefaults()
	return &Layer{
		rt:  rt,
		tr:  tr,
		log: logBackend.GetLogger("stream"),
		cfg: cfg,
	}
}

// Socket is one stream connection endpoint.
type Socket struct {
	l *Layer

	state      state
	localPort  int
	localAddr  wire.Addr
	remotePort int
	remoteAddr wire.Addr

	data      *queue.Queue[*packetRef]
	dataReady *kernel.Semaphore

	seq     uint32
	ack     uint32
	ackFlag bool
	waitAck *kernel.Semaphore

	// ioMu serializes application send/receive calls on this socket.
	ioMu *kernel.Semaphore

	freed bool
}

type packetRef struct {
	b []byte
}

// LocalPort returns the socket's local port number.
func (s *Socket) LocalPort() int {
	return s.localPort
}

// RemoteAddr returns the peer address, the null address before the
// handshake pins a peer.
func (s *Socket) RemoteAddr() wire.Addr {
	var a wire.Addr
	s.l.rt.Masked(func() { a = s.remoteAddr })
	return a
}

func (l *Layer) newSocket(port int) *Socket {
	return &Socket{
		l:         l,
		state:     stateInitial,
		localPort: port,
		localAddr: l.tr.LocalAddr(),
		data:      queue.New[*packetRef](),
		dataReady: l.rt.Semaphore(0),
		waitAck:   l.rt.Semaphore(0),
		ioMu:      l.rt.Semaphore(1),
	}
}

// Masked state helpers.

func (s *Socket) currentState() state {
	var st state
	s.l.rt.Masked(func() { st = s.state })
	return st
}

func (s *Socket) closingOrClosed() bool {
	st := s.currentState()
	return st == stateClosing || st == stateClosed
}

func (s *Socket) pending() int {
	n := 0
	s.l.rt.Masked(func() { n = s.data.Len() })
	return n
}

func (s *Socket) popData() []byte {
	var b []byte
	s.l.rt.Masked(func() {
		if ref, ok := s.data.Dequeue(); ok {
			b = ref.b
		}
	})
	return b
}

func (s *Socket) drainAndRearm() {
	s.l.rt.Masked(func() {
		for {
			if _, ok := s.data.Dequeue(); !ok {
				break
			}
		}
	})
	s.dataReady.Reset(0)
}

// sendControl transmits a bare control packet of the given type.
func (s *Socket) sendControl(t wire.MsgType, dstAddr wire.Addr, dstPort int, seq, ack uint32) error {
	return s.l.sendControl(t, s.localPort, dstAddr, dstPort, seq, ack)
}

func (l *Layer) sendControl(t wire.MsgType, srcPort int, dstAddr wire.Addr, dstPort int, seq, ack uint32) error {
	hdr := &wire.StreamHeader{
		DatagramHeader: wire.DatagramHeader{
			Protocol: wire.ProtocolStream,
			SrcAddr:  l.tr.LocalAddr(),
			SrcPort:  uint16(srcPort),
			DstAddr:  dstAddr,
			DstPort:  uint16(dstPort),
		},
		Type: t,
		Seq:  seq,
		Ack:  ack,
	}
	if _, err := l.tr.Send(dstAddr, hdr.ToBytes(), nil); err != nil {
		return ErrSendFailed
	}
	return nil
}

// free releases the socket's port table slot and queued packets. Safe from
// any context; idempotent.
func (s *Socket) free() {
	s.l.rt.Masked(func() {
		s.freeLocked()
	})
}

func (s *Socket) freeLocked() {
	if s.freed {
		return
	}
	s.freed = true
	s.state = stateClosed
	if s.l.ports[s.localPort] == s {
		s.l.ports[s.localPort] = nil
	}
	for {
		if _, ok := s.data.Dequeue(); !ok {
			break
		}
	}
	instrument.StreamClosed()
}
