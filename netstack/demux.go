// demux.go - inbound packet demultiplexer.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package netstack wires the runtime, the raw transport, and the protocol
// layers of one node together.
package netstack

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tinyos/core/log"
	"github.com/katzenpost/tinyos/internal/instrument"
	"github.com/katzenpost/tinyos/transport"
	"github.com/katzenpost/tinyos/wire"
)

// Demux routes inbound packets to the protocol layer named by the leading
// protocol byte. Malformed and unroutable packets are dropped silently; the
// substrate is untrusted.
type Demux struct {
	sync.Mutex

	log      *logging.Logger
	handlers map[uint8]transport.Handler
}

// NewDemux constructs an empty demux.
func NewDemux(logBackend *log.Backend) *Demux {
	return &Demux{
		log:      logBackend.GetLogger("demux"),
		handlers: make(map[uint8]transport.Handler),
	}
}

// Register installs the handler for a protocol number.
func (d *Demux) Register(protocol uint8, h transport.Handler) {
	d.Lock()
	d.handlers[protocol] = h
	d.Unlock()
}

// HandlePacket dispatches one inbound packet.
func (d *Demux) HandlePacket(pkt []byte) {
	if len(pkt) < wire.DatagramHeaderLen {
		instrument.PacketsDropped()
		return
	}
	protocol, err := wire.DecodeDigit(pkt[0])
	if err != nil {
		instrument.PacketsDropped()
		return
	}
	d.Lock()
	h := d.handlers[protocol]
	d.Unlock()
	if h == nil {
		d.log.Debugf("dropping packet with unknown protocol %d", protocol)
		instrument.PacketsDropped()
		return
	}
	h(pkt)
}
