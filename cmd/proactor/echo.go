package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"proactor"
)

type echoOptions struct {
	network    string
	address    string
	bufferSize int
	fileLimit  uint64
}

func newEchoCommand(root *rootOptions) *cobra.Command {
	opts := &echoOptions{}
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a TCP or UDP echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := root.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEcho(ctx, *config, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.network, "net", "n", "tcp", "network: tcp or udp")
	cmd.Flags().StringVarP(&opts.address, "address", "a", "127.0.0.1:7007", "listen address")
	cmd.Flags().IntVar(&opts.bufferSize, "buffer", 4096, "receive buffer size")
	cmd.Flags().Uint64Var(&opts.fileLimit, "nofile", 4096, "raise the open file limit to this value")
	return cmd
}

func runEcho(ctx context.Context, config proactor.Config, opts *echoOptions) error {
	if _, err := proactor.RaiseOpenFileLimit(opts.fileLimit); err != nil {
		log.Warn().Msgf("keeping the current open file limit: %+v", err)
	}
	config.Mode = proactor.SelfDriven.String()
	p, err := proactor.New(config)
	if err != nil {
		return err
	}
	defer p.Close()

	switch opts.network {
	case "tcp", "tcp4", "tcp6":
		listener, err := net.Listen(opts.network, opts.address)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			listener.Close()
		}()
		log.Info().Msgf("tcp echo listening on %s", listener.Addr())
		handleAccept(p, listener, opts.bufferSize)
	case "udp", "udp4", "udp6":
		conn, err := net.ListenPacket(opts.network, opts.address)
		if err != nil {
			return err
		}
		defer conn.Close()
		s, err := proactor.FromPacketConn(conn)
		if err != nil {
			return err
		}
		defer s.Close()
		if err = p.AddSocket(s, proactor.Readable|proactor.Writable); err != nil {
			return err
		}
		defer p.RemoveSocket(s)
		log.Info().Msgf("udp echo listening on %s", conn.LocalAddr())
		receiveDatagram(p, s, opts.bufferSize)
		<-ctx.Done()
	default:
		return fmt.Errorf("unsupported network: %s", opts.network)
	}
	log.Info().Msgf("echo server stopped: %+v", p.Stats())
	return nil
}

func handleAccept(p *proactor.Proactor, listener net.Listener, bufferSize int) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Msgf("got error while accept connection: %+v", err)
			continue
		}
		s, err := proactor.FromConn(conn)
		conn.Close()
		if err != nil {
			log.Error().Msgf("error in getting descriptor for the connection: %+v", err)
			continue
		}
		if err = p.AddSocket(s, proactor.Readable|proactor.Writable|proactor.Erroring); err != nil {
			log.Error().Msgf("[%d] can't register connection: %+v", s.Fd(), err)
			s.Close()
			continue
		}
		receiveStream(p, s, proactor.NewBuffer(bufferSize))
	}
}

// receiveStream keeps one receive queued on s and echoes every chunk.
func receiveStream(p *proactor.Proactor, s *proactor.Socket, buf *proactor.Buffer) {
	err := p.AddReceive(s, buf, func(n int, err error) {
		if err != nil || n == 0 {
			if err != nil {
				log.Debug().Msgf("[%d] closing connection: %v", s.Fd(), err)
			}
			p.RemoveSocket(s)
			s.Close()
			return
		}
		reply := proactor.CopyBuffer(buf.Bytes()[:n])
		if err := p.AddSend(s, reply, nil); err != nil {
			log.Error().Msgf("[%d] can't queue echo: %+v", s.Fd(), err)
		}
		receiveStream(p, s, buf)
	})
	if err != nil {
		log.Error().Msgf("[%d] can't queue receive: %+v", s.Fd(), err)
	}
}

func receiveDatagram(p *proactor.Proactor, s *proactor.Socket, bufferSize int) {
	buf := proactor.NewBuffer(bufferSize)
	from := new(netip.AddrPort)
	err := p.AddReceiveFrom(s, buf, from, func(n int, err error) {
		if err == nil {
			reply := proactor.CopyBuffer(buf.Bytes()[:n])
			if err := p.AddSendTo(s, reply, *from, nil); err != nil {
				log.Error().Msgf("can't queue echo to %s: %+v", *from, err)
			}
		} else {
			log.Debug().Msgf("datagram receive failed: %v", err)
		}
		receiveDatagram(p, s, bufferSize)
	})
	if err != nil {
		log.Error().Msgf("can't queue datagram receive: %+v", err)
	}
}
