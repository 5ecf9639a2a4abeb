// udp.go - UDP backed datagram substrate.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package udp provides the UDP backed datagram substrate. Inbound packets
// are buffered on an unbounded ingress queue between the socket reader and
// the dispatch worker, so a slow ingress handler never backs up into the
// kernel socket buffer.
package udp

import (
	"fmt"
	"net"
	"sync"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tinyos/core/log"
	"github.com/katzenpost/tinyos/core/worker"
	"github.com/katzenpost/tinyos/wire"
)

const maxPacketSize = 65535

// Transport is a transport.Transport over a bound UDP socket.
type Transport struct {
	worker.Worker
	sync.Mutex

	log     *logging.Logger
	conn    *net.UDPConn
	local   wire.Addr
	ingress *channels.InfiniteChannel
	handler func(pkt []byte)
}

// New binds a UDP socket on bindAddr ("ip:port") and returns the transport.
// Start must be called before packets flow.
func New(bindAddr string, logBackend *log.Backend) (*Transport, error) {
	ua, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, err
	}
	bound := conn.LocalAddr().(*net.UDPAddr)
	ip := bound.IP.To4()
	if ip == nil {
		// Bound to the wildcard address; the node address still needs a
		// concrete IP for the packet headers.
		ip = net.IPv4(127, 0, 0, 1).To4()
	}
	local, err := wire.AddrFromUDP(ip, uint16(bound.Port))
	if err != nil {
		conn.Close()
		return nil, err
	}
	t := &Transport{
		log:     logBackend.GetLogger("transport/udp"),
		conn:    conn,
		local:   local,
		ingress: channels.NewInfiniteChannel(),
	}
	return t, nil
}

// Start launches the reader and dispatch workers.
func (t *Transport) Start() {
	t.Go(t.reaper)
	t.Go(t.readWorker)
	t.Go(t.dispatchWorker)
	t.log.Debugf("listening on %v", t.local)
}

// reaper unblocks the read worker when the transport halts.
func (t *Transport) reaper() {
	<-t.HaltCh()
	t.conn.Close()
}

func (t *Transport) readWorker() {
	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.HaltCh():
				return
			default:
			}
			t.log.Debugf("read: %v", err)
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		t.ingress.In() <- pkt
	}
}

func (t *Transport) dispatchWorker() {
	for {
		select {
		case <-t.HaltCh():
			return
		case v, ok := <-t.ingress.Out():
			if !ok {
				return
			}
			t.Lock()
			handler := t.handler
			t.Unlock()
			if handler != nil {
				handler(v.([]byte))
			}
		}
	}
}

// Send transmits hdr followed by payload to dst.
func (t *Transport) Send(dst wire.Addr, hdr, payload []byte) (int, error) {
	if dst.IsNull() {
		return -1, fmt.Errorf("udp: send to null address")
	}
	pkt := make([]byte, 0, len(hdr)+len(payload))
	pkt = append(pkt, hdr...)
	pkt = append(pkt, payload...)
	n, err := t.conn.WriteToUDP(pkt, dst.UDP())
	if err != nil {
		return -1, err
	}
	return n, nil
}

// SetHandler registers the ingress callback.
func (t *Transport) SetHandler(h func(pkt []byte)) {
	t.Lock()
	t.handler = h
	t.Unlock()
}

// LocalAddr returns the node address of the bound socket.
func (t *Transport) LocalAddr() wire.Addr {
	return t.local
}
