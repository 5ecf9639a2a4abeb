// stack.go - node init glue.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package netstack

import (
	"github.com/katzenpost/tinyos/config"
	"github.com/katzenpost/tinyos/core/log"
	"github.com/katzenpost/tinyos/datagram"
	"github.com/katzenpost/tinyos/kernel"
	"github.com/katzenpost/tinyos/stream"
	"github.com/katzenpost/tinyos/transport"
	"github.com/katzenpost/tinyos/wire"
)

// Stack is one node: the threading runtime and the protocol layers bound
// to a raw transport.
type Stack struct {
	Runtime  *kernel.Runtime
	Demux    *Demux
	Datagram *datagram.Layer
	Stream   *stream.Layer

	tr transport.Transport
}

// New assembles a node over the given transport and starts the runtime.
func New(cfg *config.Config, tr transport.Transport, logBackend *log.Backend) (*Stack, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	rt, err := kernel.New(cfg.Kernel.Runtime(), logBackend)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		Runtime:  rt,
		Demux:    NewDemux(logBackend),
		Datagram: datagram.NewLayer(rt, tr, cfg.Net.MaxPacket, logBackend),
		Stream:   stream.NewLayer(rt, tr, cfg.Net.Stream(), logBackend),
		tr:       tr,
	}
	s.Demux.Register(wire.ProtocolDatagram, s.Datagram.HandlePacket)
	s.Demux.Register(wire.ProtocolStream, s.Stream.HandlePacket)
	tr.SetHandler(s.Demux.HandlePacket)

	rt.Start()
	return s, nil
}

// Halt stops the runtime and the transport.
func (s *Stack) Halt() {
	s.Runtime.Halt()
	s.tr.Halt()
}
