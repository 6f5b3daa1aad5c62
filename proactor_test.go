//go:build linux

package proactor

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type completion struct {
	done bool
	n    int
	err  error
}

func (c *completion) handler() CompletionHandler {
	return func(n int, err error) {
		c.done = true
		c.n = n
		c.err = err
	}
}

func TestStreamSendReceive(t *testing.T) {
	addr := startTCPEcho(t)
	p := newTestProactor(t)
	s, err := DialStream(context.Background(), "tcp4", addr.String())
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Readable|Writable|Erroring))
	require.True(t, p.Has(s))

	var sent, received completion
	require.NoError(t, p.AddSend(s, CopyBuffer([]byte(hello)), sent.handler()))
	buf := NewBuffer(len(hello))
	require.NoError(t, p.AddReceive(s, buf, received.handler()))
	pollUntil(t, p, func() bool { return received.done })

	require.True(t, sent.done)
	require.NoError(t, sent.err)
	assert.Equal(t, len(hello), sent.n)
	require.NoError(t, received.err)
	assert.Equal(t, len(hello), received.n)
	assert.Equal(t, hello, buf.String())

	// Same round trip without handlers.
	buf.Clear()
	buf.Resize(len(hello))
	require.NotEqual(t, hello, buf.String())
	require.NoError(t, p.AddSend(s, CopyBuffer([]byte(hello)), nil))
	require.NoError(t, p.AddReceive(s, buf, nil))
	handled := pollUntil(t, p, func() bool { return p.Stats().Pending == 0 })
	assert.Equal(t, 2, handled)
	assert.Equal(t, hello, buf.String())

	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.Completed)
	assert.Equal(t, uint64(2*len(hello)), stats.BytesSent)
	assert.Equal(t, uint64(2*len(hello)), stats.BytesReceived)
	assert.Equal(t, 0, stats.Pending)
}

func TestStreamConnectRefused(t *testing.T) {
	refused := closedPort(t)
	p := newTestProactor(t)
	s, err := NewStreamSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Erroring))

	var failed completion
	require.NoError(t, p.AddSend(s, CopyBuffer([]byte(hello)), failed.handler()))
	// A refusal may already be reported here; the queued send fails either way.
	_ = s.ConnectNB(refused)
	time.Sleep(100 * time.Millisecond)
	pollUntil(t, p, func() bool { return failed.done })

	require.Error(t, failed.err)
	assert.Equal(t, 0, failed.n)
	var transferErr *TransferError
	require.ErrorAs(t, failed.err, &transferErr)
	assert.Equal(t, OpSend, transferErr.Op)
	assert.Equal(t, s.Fd(), transferErr.Fd)
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestDatagramSendToReceiveFrom(t *testing.T) {
	peer := startUDPEcho(t)
	p := newTestProactor(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Readable|Writable))

	var sent, received completion
	require.NoError(t, p.AddSendTo(s, CopyBuffer([]byte(hello)), peer, sent.handler()))
	buf := NewBuffer(len(hello))
	var from netip.AddrPort
	require.NoError(t, p.AddReceiveFrom(s, buf, &from, received.handler()))
	pollUntil(t, p, func() bool { return received.done })

	require.NoError(t, sent.err)
	assert.Equal(t, len(hello), sent.n)
	require.NoError(t, received.err)
	assert.Equal(t, len(hello), received.n)
	assert.Equal(t, hello, buf.String())
	assert.Equal(t, peer, from)
}

func TestDatagramSendWithoutHandler(t *testing.T) {
	peer := startUDPEcho(t)
	p := newTestProactor(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Readable|Writable))
	require.NoError(t, p.AddSendTo(s, NewBuffer(1), peer, nil))

	n, err := p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunUntilStop(t *testing.T) {
	peer := startUDPEcho(t)
	p := newTestProactor(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Readable|Writable))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for round := 0; round < 2; round++ {
		stopped := false
		require.NoError(t, p.AddSendTo(s, CopyBuffer([]byte(hello)), peer, nil))
		require.NoError(t, p.AddReceiveFrom(s, NewBuffer(len(hello)), nil, func(n int, err error) {
			assert.NoError(t, err)
			stopped = true
			p.Stop()
		}))
		require.NoError(t, p.Run(ctx), "round %d", round)
		assert.True(t, stopped, "round %d", round)
		assert.Equal(t, Idle, p.State())
	}
}

func TestRunReturnsOnContext(t *testing.T) {
	p := newTestProactor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStopKeepsLaterWork(t *testing.T) {
	p := newTestProactor(t)
	later := false
	require.NoError(t, p.AddWork(func() {
		p.Stop()
		require.NoError(t, p.AddWork(func() { later = true }))
	}))
	require.NoError(t, p.Run(context.Background()))
	assert.False(t, later)
	assert.Equal(t, 1, p.Stats().PendingWork)

	n, err := p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, later)
}

func TestWork(t *testing.T) {
	p := newTestProactor(t)
	executed := 0
	require.NoError(t, p.AddWork(func() { executed++ }))

	n, err := p.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, executed)

	n, err = p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(1), p.Stats().WorkExecuted)
}

func TestWorkRunsInOrder(t *testing.T) {
	p := newTestProactor(t)
	var order []int
	for i := 0; i < 5; i++ {
		require.NoError(t, p.AddWork(func() { order = append(order, i) }))
	}
	n, err := p.RunOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTimedWork(t *testing.T) {
	p := newTestProactor(t)
	executed := 0
	work := func() { executed++ }
	require.NoError(t, p.AddTimedWork(work, 0))
	require.NoError(t, p.AddTimedWork(work, 500*time.Millisecond))

	n, err := p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, executed)

	time.Sleep(500 * time.Millisecond)
	n, err = p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, executed)
}

func TestPollIsBounded(t *testing.T) {
	p := newTestProactor(t, func(c *Config) { c.PollTimeoutMs = 20 })
	start := time.Now()
	n, err := p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunOneHonorsContext(t *testing.T) {
	p := newTestProactor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n, err := p.RunOne(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, n)
}

func TestRunOneWakesForWork(t *testing.T) {
	p := newTestProactor(t, func(c *Config) { c.RunTimeoutMs = 60000 })
	executed := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		p.AddWork(func() { close(executed) })
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := p.RunOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-executed
}

func TestRegistrationErrors(t *testing.T) {
	p := newTestProactor(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	peer := netip.MustParseAddrPort("127.0.0.1:9")

	assert.ErrorIs(t, p.AddSendTo(s, NewBuffer(1), peer, nil), ErrNotRegistered)
	assert.ErrorIs(t, p.AddSocket(nil, Readable), ErrInvalidSocket)
	assert.ErrorIs(t, p.AddSocket(s, 0), ErrEmptyInterest)
	assert.ErrorIs(t, p.RemoveSocket(s), ErrNotRegistered)
	assert.ErrorIs(t, p.AddWork(nil), ErrNilWork)

	require.NoError(t, p.AddSocket(s, Readable|Writable))
	assert.ErrorIs(t, p.AddSendTo(s, NewBuffer(1), netip.AddrPort{}, nil), ErrInvalidAddress)
	assert.ErrorIs(t, p.AddReceive(s, nil, nil), ErrNilBuffer)

	closed, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	require.NoError(t, closed.Close())
	assert.ErrorIs(t, p.AddSocket(closed, Readable), ErrInvalidSocket)
}

func TestReRegisterReplacesMask(t *testing.T) {
	peer := startUDPEcho(t)
	p := newTestProactor(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Readable))

	var sent completion
	require.NoError(t, p.AddSendTo(s, CopyBuffer([]byte(hello)), peer, sent.handler()))
	n, err := p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, sent.done)

	require.NoError(t, p.AddSocket(s, Writable))
	n, err = p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, sent.done)
}

func TestRemoveSocketAbandonsOperations(t *testing.T) {
	p := newTestProactor(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Bind(netip.MustParseAddrPort("127.0.0.1:0")))
	local, err := s.LocalAddr()
	require.NoError(t, err)
	require.NoError(t, p.AddSocket(s, Readable|Writable))

	called := false
	require.NoError(t, p.AddReceiveFrom(s, NewBuffer(16), nil, func(int, error) { called = true }))
	// Arm the socket before removing it.
	_, err = p.Poll()
	require.NoError(t, err)
	require.NoError(t, p.RemoveSocket(s))
	assert.False(t, p.Has(s))

	// Data arriving afterwards completes nothing.
	other, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	defer other.Close()
	_, err = other.SendTo([]byte(hello), local)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		n, err := p.Poll()
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	assert.False(t, called)
	assert.Equal(t, 0, p.Stats().Pending)
	assert.Equal(t, 0, p.Stats().Sockets)
}

func TestPassIsNotReentrant(t *testing.T) {
	p := newTestProactor(t)
	var nested error
	require.NoError(t, p.AddWork(func() {
		_, nested = p.Poll()
	}))
	n, err := p.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, nested, ErrBusy)
}

func TestSelfDriven(t *testing.T) {
	p := newTestProactor(t, func(c *Config) { c.Mode = "self" })
	assert.Equal(t, SelfDriven, p.Mode())

	_, err := p.Poll()
	assert.ErrorIs(t, err, ErrSelfDriven)
	_, err = p.RunOne(context.Background())
	assert.ErrorIs(t, err, ErrSelfDriven)
	assert.ErrorIs(t, p.Run(context.Background()), ErrSelfDriven)

	executed := make(chan struct{})
	require.NoError(t, p.AddWork(func() { close(executed) }))
	select {
	case <-executed:
	case <-time.After(5 * time.Second):
		t.Fatal("work did not run on the background loop")
	}

	peer := startUDPEcho(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Readable|Writable))
	received := make(chan int, 1)
	require.NoError(t, p.AddReceiveFrom(s, NewBuffer(len(hello)), nil, func(n int, err error) {
		received <- n
	}))
	require.NoError(t, p.AddSendTo(s, CopyBuffer([]byte(hello)), peer, nil))
	select {
	case n := <-received:
		assert.Equal(t, len(hello), n)
	case <-time.After(5 * time.Second):
		t.Fatal("datagram was not received on the background loop")
	}
	require.NoError(t, p.Close())
}

func TestClosed(t *testing.T) {
	p := newTestProactor(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Poll()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.AddWork(func() {}), ErrClosed)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, errors.Is(p.AddSocket(s, Readable), ErrClosed))
}

func TestToMsec(t *testing.T) {
	assert.Equal(t, 0, toMsec(0))
	assert.Equal(t, 1, toMsec(time.Microsecond))
	assert.Equal(t, 10, toMsec(10*time.Millisecond))
	assert.Equal(t, blocked, toMsec(-time.Second))
}

func TestRunOneWakesRepeatedly(t *testing.T) {
	p := newTestProactor(t, func(c *Config) { c.RunTimeoutMs = 60000 })
	for round := 0; round < 5; round++ {
		go func() {
			time.Sleep(20 * time.Millisecond)
			p.AddWork(func() {})
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n, err := p.RunOne(ctx)
		cancel()
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, 1, n, "round %d", round)
	}
}

func TestCloseReleasesBlockedRunOne(t *testing.T) {
	p := newTestProactor(t, func(c *Config) { c.RunTimeoutMs = 60000 })
	result := make(chan error, 1)
	go func() {
		_, err := p.RunOne(context.Background())
		result <- err
	}()
	require.Eventually(t, func() bool { return p.State() == Polling }, 5*time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("RunOne still blocked after Close")
	}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestReceivesCompleteInQueueOrder(t *testing.T) {
	peer := startUDPEcho(t)
	p := newTestProactor(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Readable|Writable))

	var sends []string
	var receives []string
	messages := []string{"first", "second", "third"}
	for range messages {
		buf := NewBuffer(16)
		require.NoError(t, p.AddReceiveFrom(s, buf, nil, func(n int, err error) {
			require.NoError(t, err)
			receives = append(receives, string(buf.Bytes()[:n]))
		}))
	}
	for _, message := range messages {
		require.NoError(t, p.AddSendTo(s, CopyBuffer([]byte(message)), peer, func(n int, err error) {
			require.NoError(t, err)
			sends = append(sends, message)
		}))
	}
	pollUntil(t, p, func() bool { return len(receives) == len(messages) })
	assert.Equal(t, messages, sends)
	assert.Equal(t, messages, receives)
}

func TestSendToRejectsForeignFamily(t *testing.T) {
	p := newTestProactor(t)
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	closeOnCleanup(t, p, s)
	require.NoError(t, p.AddSocket(s, Writable))

	v6 := netip.MustParseAddrPort("[2001:db8::1]:9")
	assert.ErrorIs(t, p.AddSendTo(s, CopyBuffer([]byte(hello)), v6, nil), ErrInvalidAddress)
	assert.Equal(t, 0, p.Stats().Pending)

	mapped := netip.AddrPortFrom(netip.MustParseAddr("::ffff:127.0.0.1"), 9)
	assert.NoError(t, p.AddSendTo(s, NewBuffer(1), mapped, nil))
}
