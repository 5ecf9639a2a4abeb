// main.go - tinyecho: stream echo demo over the UDP substrate.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/tinyos/config"
	corelog "github.com/katzenpost/tinyos/core/log"
	"github.com/katzenpost/tinyos/netstack"
	"github.com/katzenpost/tinyos/transport/udp"
	"github.com/katzenpost/tinyos/wire"
)

const defaultEchoPort = 80

// Envelope is the echo message envelope carried over the stream socket.
type Envelope struct {
	Seq     uint64
	Payload []byte
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// Unmarshal deserializes the envelope.
func (e *Envelope) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, e)
}

func main() {
	bind := flag.String("bind", "127.0.0.1:0", "UDP address to bind the substrate to")
	connect := flag.String("connect", "", "server substrate address to connect to (client mode)")
	port := flag.Int("port", defaultEchoPort, "echo service stream port")
	count := flag.Int("count", 3, "number of echo round trips (client mode)")
	msg := flag.String("msg", "hello from tinyecho", "echo payload (client mode)")
	cfgFile := flag.String("f", "", "configuration file")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	cliLog := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "tinyecho",
	})
	if *verbose {
		cliLog.SetLevel(log.DebugLevel)
	}

	cfg := &config.Config{}
	if *cfgFile != "" {
		var err error
		cfg, err = config.LoadFile(*cfgFile)
		if err != nil {
			cliLog.Fatal("config", "err", err)
		}
	}
	if err := cfg.FixupAndValidate(); err != nil {
		cliLog.Fatal("config", "err", err)
	}

	level := "NOTICE"
	if *verbose {
		level = "DEBUG"
	}
	backend, err := corelog.New(cfg.Logging.File, level, cfg.Logging.Disable)
	if err != nil {
		cliLog.Fatal("log backend", "err", err)
	}

	tr, err := udp.New(*bind, backend)
	if err != nil {
		cliLog.Fatal("substrate", "err", err)
	}
	stack, err := netstack.New(cfg, tr, backend)
	if err != nil {
		cliLog.Fatal("stack", "err", err)
	}
	tr.Start()
	defer stack.Halt()

	cliLog.Info("substrate ready", "addr", tr.LocalAddr().String())

	if *connect == "" {
		runServer(stack, *port, cliLog)
		return
	}
	runClient(stack, *connect, *port, *count, []byte(*msg), cliLog)
}

func runServer(stack *netstack.Stack, port int, cliLog *log.Logger) {
	cliLog.Info("echo server", "port", port)
	stack.Runtime.Fork(func() {
		for {
			sock, err := stack.Stream.Listen(port)
			if err != nil {
				cliLog.Error("listen", "err", err)
				return
			}
			cliLog.Info("accepted", "peer", sock.RemoteAddr().String())
			buf := make([]byte, 4096)
			for {
				n, err := sock.Receive(buf)
				if err != nil {
					cliLog.Info("connection done", "err", err)
					sock.Close()
					break
				}
				var env Envelope
				if err := env.Unmarshal(buf[:n]); err != nil {
					cliLog.Warn("bad envelope", "err", err)
					continue
				}
				cliLog.Debug("echoing", "seq", env.Seq, "bytes", len(env.Payload))
				reply, err := env.Marshal()
				if err != nil {
					continue
				}
				if _, err := sock.Send(reply); err != nil {
					cliLog.Info("send failed", "err", err)
					sock.Close()
					break
				}
			}
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	cliLog.Info("shutting down")
}

func runClient(stack *netstack.Stack, server string, port, count int, payload []byte, cliLog *log.Logger) {
	addr, err := wire.ParseAddr(server)
	if err != nil {
		cliLog.Fatal("server address", "err", err)
	}

	done := make(chan error, 1)
	stack.Runtime.Fork(func() {
		sock, err := stack.Stream.Dial(addr, port)
		if err != nil {
			done <- fmt.Errorf("dial: %v", err)
			return
		}
		defer sock.Close()
		buf := make([]byte, 4096)
		for i := 0; i < count; i++ {
			env := &Envelope{Seq: uint64(i), Payload: payload}
			b, err := env.Marshal()
			if err != nil {
				done <- err
				return
			}
			if _, err := sock.Send(b); err != nil {
				done <- fmt.Errorf("send: %v", err)
				return
			}
			n, err := sock.Receive(buf)
			if err != nil {
				done <- fmt.Errorf("receive: %v", err)
				return
			}
			var reply Envelope
			if err := reply.Unmarshal(buf[:n]); err != nil {
				done <- err
				return
			}
			cliLog.Info("echo", "seq", reply.Seq, "bytes", len(reply.Payload))
		}
		done <- nil
	})

	if err := <-done; err != nil {
		cliLog.Fatal("client", "err", err)
	}
	cliLog.Info("all echoes returned")
}
