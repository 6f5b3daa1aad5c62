package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"proactor"
)

type sendOptions struct {
	network string
	address string
	timeout time.Duration
}

func newSendCommand(root *rootOptions) *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send a message to an echo server and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := root.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			reply, err := sendMessage(ctx, *config, opts, []byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.network, "net", "n", "tcp", "network: tcp or udp")
	cmd.Flags().StringVarP(&opts.address, "address", "a", "127.0.0.1:7007", "echo server address")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "give up after this long")
	return cmd
}

// sendMessage drives a caller-driven proactor until the echoed reply is in.
func sendMessage(ctx context.Context, config proactor.Config, opts *sendOptions, message []byte) ([]byte, error) {
	config.Mode = proactor.CallerDriven.String()
	p, err := proactor.New(config)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	var s *proactor.Socket
	var peer netip.AddrPort
	switch opts.network {
	case "tcp", "tcp4", "tcp6":
		s, err = proactor.DialStream(ctx, opts.network, opts.address)
	case "udp", "udp4", "udp6":
		resolver, rerr := proactor.NewResolver(config.ResolveTTL())
		if rerr != nil {
			return nil, rerr
		}
		defer resolver.Close()
		peer, err = resolver.Resolve(ctx, opts.network, opts.address)
		if err == nil {
			family := unix.AF_INET
			if peer.Addr().Is6() {
				family = unix.AF_INET6
			}
			s, err = proactor.NewDatagramSocket(family)
		}
	default:
		return nil, fmt.Errorf("unsupported network: %s", opts.network)
	}
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err = p.AddSocket(s, proactor.Readable|proactor.Writable|proactor.Erroring); err != nil {
		return nil, err
	}
	defer p.RemoveSocket(s)

	var transferErr error
	received := false
	reply := proactor.NewBuffer(len(message))
	onSend := func(n int, err error) {
		if err != nil {
			transferErr = err
		}
	}
	onReceive := func(n int, err error) {
		received = true
		if err != nil {
			transferErr = err
			return
		}
		reply.Resize(n)
	}
	if peer.IsValid() {
		err = p.AddSendTo(s, proactor.CopyBuffer(message), peer, onSend)
		if err == nil {
			err = p.AddReceiveFrom(s, reply, nil, onReceive)
		}
	} else {
		err = p.AddSend(s, proactor.CopyBuffer(message), onSend)
		if err == nil {
			err = p.AddReceive(s, reply, onReceive)
		}
	}
	if err != nil {
		return nil, err
	}

	for !received && transferErr == nil {
		if err := ctx.Err(); err != nil {
			return nil, errors.New("no reply before timeout")
		}
		if _, err := p.Poll(); err != nil {
			return nil, err
		}
	}
	if transferErr != nil {
		return nil, transferErr
	}
	return reply.Bytes(), nil
}
