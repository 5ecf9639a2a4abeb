// transport.go - raw datagram substrate interface.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the raw, unreliable datagram substrate the
// network stack runs over. Implementations deliver whole packets, may drop
// or duplicate them, and never reorder guarantees beyond best effort.
package transport

import "github.com/katzenpost/tinyos/wire"

// Handler consumes one inbound packet. Ownership of the buffer transfers to
// the handler. Handlers never return errors; unroutable or malformed input
// from the network is silently dropped.
type Handler func(pkt []byte)

// Transport is the raw datagram substrate.
type Transport interface {
	// Send transmits hdr followed by payload to dst, returning the number
	// of bytes handed to the substrate.
	Send(dst wire.Addr, hdr, payload []byte) (int, error)

	// SetHandler registers the ingress callback. It must be called before
	// any packet can be delivered.
	SetHandler(h func(pkt []byte))

	// LocalAddr returns this node's substrate address.
	LocalAddr() wire.Addr

	// Halt stops the transport.
	Halt()
}
