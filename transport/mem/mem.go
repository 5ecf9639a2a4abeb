// mem.go - in-process datagram substrate.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package mem provides an in-process datagram substrate: a hub of links
// with synchronous delivery and pluggable fault injection. It exists for
// tests and simulations that need lost or mangled packets on demand.
package mem

import (
	"sync"

	"github.com/katzenpost/tinyos/wire"
)

// Filter inspects a packet in flight and reports whether it is delivered.
// Filters run on the sender's goroutine.
type Filter func(src, dst wire.Addr, pkt []byte) bool

// Hub connects a set of links. Every attached link can reach every other by
// address; there is no routing.
type Hub struct {
	sync.Mutex

	links  map[wire.Addr]*Link
	filter Filter
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{links: make(map[wire.Addr]*Link)}
}

// SetFilter installs a fault injection filter applied to every packet. A
// nil filter delivers everything.
func (h *Hub) SetFilter(f Filter) {
	h.Lock()
	h.filter = f
	h.Unlock()
}

// Attach creates a link with the given address. Attaching an address twice
// replaces the earlier link.
func (h *Hub) Attach(addr wire.Addr) *Link {
	l := &Link{hub: h, addr: addr}
	h.Lock()
	h.links[addr] = l
	h.Unlock()
	return l
}

func (h *Hub) deliver(src, dst wire.Addr, pkt []byte) {
	h.Lock()
	filter := h.filter
	target := h.links[dst]
	h.Unlock()
	if filter != nil && !filter(src, dst, pkt) {
		return
	}
	if target == nil {
		return
	}
	target.Lock()
	handler := target.handler
	target.Unlock()
	if handler != nil {
		handler(pkt)
	}
}

// Link is one endpoint on a hub. It implements transport.Transport.
// Delivery is synchronous: the receiver's handler runs on the sender's
// goroutine, which keeps single stepped simulations deterministic.
type Link struct {
	sync.Mutex

	hub     *Hub
	addr    wire.Addr
	handler func(pkt []byte)
}

// Send transmits hdr followed by payload to dst. Packets to unknown
// addresses vanish, exactly like the real substrate.
func (l *Link) Send(dst wire.Addr, hdr, payload []byte) (int, error) {
	pkt := make([]byte, 0, len(hdr)+len(payload))
	pkt = append(pkt, hdr...)
	pkt = append(pkt, payload...)
	l.hub.deliver(l.addr, dst, pkt)
	return len(pkt), nil
}

// SetHandler registers the ingress callback.
func (l *Link) SetHandler(h func(pkt []byte)) {
	l.Lock()
	l.handler = h
	l.Unlock()
}

// LocalAddr returns the link address.
func (l *Link) LocalAddr() wire.Addr {
	return l.addr
}

// Halt detaches the link from the hub.
func (l *Link) Halt() {
	l.hub.Lock()
	if l.hub.links[l.addr] == l {
		delete(l.hub.links, l.addr)
	}
	l.hub.Unlock()
}
