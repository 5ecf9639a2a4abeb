// datagram.go - unreliable datagram ports.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package datagram implements the unreliable datagram layer: unbound
// (listening) ports indexed by a global table, bound (sending) ports
// allocated from the ephemeral range, and blocking receive with a
// synthesized reply port.
package datagram

import (
	"errors"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tinyos/core/log"
	"github.com/katzenpost/tinyos/core/queue"
	"github.com/katzenpost/tinyos/internal/instrument"
	"github.com/katzenpost/tinyos/kernel"
	"github.com/katzenpost/tinyos/transport"
	"github.com/katzenpost/tinyos/wire"
)

const numEphemeral = wire.MaxEphemeralPort - wire.MinEphemeralPort + 1

var (
	// ErrInvalidParams is returned for out of range ports, oversized
	// payloads, and ports of the wrong flavor.
	ErrInvalidParams = errors.New("datagram: invalid parameters")

	// ErrNoMorePorts is returned when the ephemeral port space is
	// exhausted.
	ErrNoMorePorts = errors.New("datagram: no more ports")

	// ErrSendFailed is returned when the substrate rejects a packet.
	ErrSendFailed = errors.New("datagram: send failed")
)

// Layer is the datagram layer of one node.
type Layer struct {
	rt  *kernel.Runtime
	tr  transport.Transport
	log *logging.Logger

	maxPayload int

	// unbound is indexed by port number and guarded by the interrupt mask:
	// the ingress path touches it too.
	unbound [wire.MaxListenerPort + 1]*Port

	// The ephemeral allocator coordinates user threads only, so a mutex
	// semaphore suffices.
	allocMu *kernel.Semaphore
	free    [numEphemeral]bool
	cursor  int
}

// Port is a datagram port handle, either unbound (listening) or bound
// (addressed to a remote unbound port).
type Port struct {
	l     *Layer
	bound bool
	num   int

	// Unbound ports only.
	data      *queue.Queue[*packetRef]
	dataReady *kernel.Semaphore

	// Bound ports only.
	remoteAddr wire.Addr
	remotePort int
}

// packetRef wraps a packet buffer so the queue element type is comparable.
type packetRef struct {
	b []byte
}

// Number returns the port number.
func (p *Port) Number() int {
	return p.num
}

// Bound reports whether this is a bound (sending) port.
func (p *Port) Bound() bool {
	return p.bound
}

// NewLayer constructs the datagram layer. maxPacket bounds header plus
// payload for one datagram; the spec default applies when zero.
func NewLayer(rt *kernel.Runtime, tr transport.Transport, maxPacket int, logBackend *log.Backend) *Layer {
	if maxPacket <= wire.DatagramHeaderLen {
		maxPacket = 4096
	}
	l := &Layer{
		rt:         rt,
		tr:         tr,
		log:        logBackend.GetLogger("datagram"),
		maxPayload: maxPacket - wire.DatagramHeaderLen,
		allocMu:    rt.Semaphore(1),
	}
	for i := range l.free {
		l.free[i] = true
	}
	return l
}

// MaxPayload returns the largest payload accepted by Send.
func (l *Layer) MaxPayload() int {
	return l.maxPayload
}

// CreateUnbound returns the unbound port with the given number, creating it
// if needed. Creating an existing port returns the existing handle.
func (l *Layer) CreateUnbound(n int) (*Port, error) {
	if n < wire.MinListenerPort || n > wire.MaxListenerPort {
		return nil, ErrInvalidParams
	}
	var p *Port
	l.rt.Masked(func() {
		if existing := l.unbound[n]; existing != nil {
			p = existing
			return
		}
		p = &Port{
			l:         l,
			num:       n,
			data:      queue.New[*packetRef](),
			dataReady: l.rt.Semaphore(0),
		}
		l.unbound[n] = p
	})
	return p, nil
}

// CreateBound allocates an ephemeral port addressed to the remote unbound
// port at addr.
func (l *Layer) CreateBound(addr wire.Addr, remotePort int) (*Port, error) {
	if addr.IsNull() || remotePort < wire.MinListenerPort || remotePort > wire.MaxListenerPort {
		return nil, ErrInvalidParams
	}
	num := -1
	l.allocMu.P()
	for i := 0; i < numEphemeral; i++ {
		slot := (l.cursor + i) % numEphemeral
		if l.free[slot] {
			l.free[slot] = false
			l.cursor = (slot + 1) % numEphemeral
			num = slot + wire.MinEphemeralPort
			break
		}
	}
	l.allocMu.V()
	if num == -1 {
		return nil, ErrNoMorePorts
	}
	return &Port{
		l:          l,
		bound:      true,
		num:        num,
		remoteAddr: addr,
		remotePort: remotePort,
	}, nil
}

// Destroy releases a port. Unbound ports are removed from the table and
// their queued packets dropped; bound port numbers return to the free map.
func (l *Layer) Destroy(p *Port) {
	if p == nil {
		return
	}
	if p.bound {
		l.allocMu.P()
		l.free[p.num-wire.MinEphemeralPort] = true
		l.allocMu.V()
		return
	}
	l.rt.Masked(func() {
		if l.unbound[p.num] == p {
			l.unbound[p.num] = nil
		}
		for {
			if _, ok := p.data.Dequeue(); !ok {
				break
			}
		}
	})
}

// Send transmits payload from the local unbound port src to the remote
// unbound port that dst is bound to. It returns the number of payload bytes
// delivered to the substrate.
func (l *Layer) Send(src, dst *Port, payload []byte) (int, error) {
	if src == nil || dst == nil || src.bound || !dst.bound {
		return 0, ErrInvalidParams
	}
	if len(payload) > l.maxPayload {
		return 0, ErrInvalidParams
	}
	hdr := &wire.DatagramHeader{
		Protocol: wire.ProtocolDatagram,
		SrcAddr:  l.tr.LocalAddr(),
		SrcPort:  uint16(src.num),
		DstAddr:  dst.remoteAddr,
		DstPort:  uint16(dst.remotePort),
	}
	n, err := l.tr.Send(dst.remoteAddr, hdr.ToBytes(), payload)
	if err != nil || n < 0 {
		return 0, ErrSendFailed
	}
	return n - wire.DatagramHeaderLen, nil
}

// Receive blocks until a datagram arrives on the unbound port p, copies up
// to len(buf) payload bytes into buf, and synthesizes a bound reply port
// addressed at the sender.
func (l *Layer) Receive(p *Port, buf []byte) (int, *Port, error) {
	if p == nil || p.bound {
		return 0, nil, ErrInvalidParams
	}
	p.dataReady.P()
	var ref *packetRef
	l.rt.Masked(func() {
		ref, _ = p.data.Dequeue()
	})
	if ref == nil {
		// Spurious wakeup; nothing sensible to deliver.
		return 0, nil, ErrInvalidParams
	}
	hdr, err := wire.ParseDatagramHeader(ref.b)
	if err != nil {
		return 0, nil, ErrInvalidParams
	}
	payload := ref.b[wire.DatagramHeaderLen:]
	n := copy(buf, payload)
	reply, err := l.CreateBound(hdr.SrcAddr, int(hdr.SrcPort))
	if err != nil {
		return n, nil, err
	}
	return n, reply, nil
}

// HandlePacket is the ingress entry point, registered with the demux. It
// runs in interrupt context: enqueue and V, nothing more.
func (l *Layer) HandlePacket(pkt []byte) {
	if len(pkt) < wire.DatagramHeaderLen {
		instrument.PacketsDropped()
		return
	}
	hdr, err := wire.ParseDatagramHeader(pkt)
	if err != nil {
		instrument.PacketsDropped()
		return
	}
	if int(hdr.DstPort) > wire.MaxListenerPort {
		instrument.PacketsDropped()
		return
	}
	var target *Port
	l.rt.Masked(func() {
		target = l.unbound[hdr.DstPort]
		if target != nil {
			target.data.Append(&packetRef{b: pkt})
		}
	})
	if target == nil {
		instrument.PacketsDropped()
		return
	}
	target.dataReady.V()
}
