//go:build linux

package proactor

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestProactor(t *testing.T, configure ...func(*Config)) *Proactor {
	t.Helper()
	config := DefaultConfig()
	config.Name = t.Name()
	logger := zerolog.Nop()
	config.Logger = &logger
	for _, fn := range configure {
		fn(&config)
	}
	p, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func startTCPEcho(t *testing.T) netip.AddrPort {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return unmapped(listener.Addr().(*net.TCPAddr).AddrPort())
}

func startUDPEcho(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if _, err = conn.WriteTo(buf[:n], addr); err != nil {
				return
			}
		}
	}()
	return unmapped(conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// closedPort returns a loopback address nobody listens on.
func closedPort(t *testing.T) netip.AddrPort {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := unmapped(listener.Addr().(*net.TCPAddr).AddrPort())
	require.NoError(t, listener.Close())
	return addr
}

func unmapped(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func closeOnCleanup(t *testing.T, p *Proactor, s *Socket) {
	t.Cleanup(func() {
		p.RemoveSocket(s)
		s.Close()
	})
}

// pollUntil polls p until done reports true, failing after a few seconds.
// It returns the units handled over all passes.
func pollUntil(t *testing.T, p *Proactor, done func() bool) int {
	t.Helper()
	total := 0
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "condition not met before deadline")
		n, err := p.Poll()
		require.NoError(t, err)
		total += n
	}
	return total
}
