//go:build linux

package proactor

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestSocket(t *testing.T) *Socket {
	t.Helper()
	s, err := NewDatagramSocket(unix.AF_INET)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistryQueuesInOrder(t *testing.T) {
	r := newRegistry()
	s := newTestSocket(t)
	to := netip.MustParseAddrPort("127.0.0.1:9")

	first := &operation{kind: OpSendTo, buf: NewBuffer(1), to: to}
	second := &operation{kind: OpSendTo, buf: NewBuffer(2), to: to}
	receive := &operation{kind: OpReceiveFrom, buf: NewBuffer(4)}
	assert.ErrorIs(t, r.push(s, first), ErrNotRegistered)

	require.True(t, r.add(s, Readable|Writable))
	require.NoError(t, r.push(s, first))
	require.NoError(t, r.push(s, second))
	require.NoError(t, r.push(s, receive))
	assert.Equal(t, 3, r.pending())

	entry, head := r.head(s.Fd(), true)
	require.Same(t, first, head)
	_, inHead := r.head(s.Fd(), false)
	require.Same(t, receive, inHead)

	// Only the current head can be popped.
	assert.False(t, r.pop(entry, second))
	assert.True(t, r.pop(entry, first))
	_, head = r.head(s.Fd(), true)
	assert.Same(t, second, head)
}

func TestRegistryReplaceMaskKeepsQueues(t *testing.T) {
	r := newRegistry()
	s := newTestSocket(t)
	require.True(t, r.add(s, Readable))
	require.NoError(t, r.push(s, &operation{kind: OpReceive, buf: NewBuffer(1)}))

	assert.False(t, r.add(s, Writable))
	assert.Equal(t, 1, r.pending())
	entry, _ := r.head(s.Fd(), false)
	assert.Equal(t, Writable, entry.mask)
}

func TestRegistryRemoveAbandonsOperations(t *testing.T) {
	r := newRegistry()
	s := newTestSocket(t)
	r.add(s, Readable)
	op := &operation{kind: OpReceive, buf: NewBuffer(1)}
	require.NoError(t, r.push(s, op))
	entry, _ := r.head(s.Fd(), false)

	removed, ok := r.remove(s)
	require.True(t, ok)
	assert.Same(t, entry, removed)
	assert.False(t, r.has(s))
	assert.False(t, r.pop(entry, op))
	_, ok = r.remove(s)
	assert.False(t, ok)
	assert.Equal(t, 0, r.len())
}

func TestRegistryArmsOnlyWantedInterest(t *testing.T) {
	r := newRegistry()
	s := newTestSocket(t)
	r.add(s, Readable|Erroring)

	calls := 0
	var armed Interest
	arm := func(fd int, from, to Interest) error {
		calls++
		assert.Equal(t, s.Fd(), fd)
		assert.Equal(t, armed, from)
		armed = to
		return nil
	}
	r.arm(arm)
	assert.Equal(t, 0, calls)

	// Writable is outside the mask and never armed.
	require.NoError(t, r.push(s, &operation{kind: OpSend, buf: NewBuffer(1)}))
	r.arm(arm)
	assert.Equal(t, Erroring, armed)

	require.NoError(t, r.push(s, &operation{kind: OpReceive, buf: NewBuffer(1)}))
	r.arm(arm)
	assert.Equal(t, Readable|Erroring, armed)
	r.arm(arm)
	assert.Equal(t, 2, calls)
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "none", Interest(0).String())
	assert.Equal(t, "read|error", (Readable | Erroring).String())
	assert.Equal(t, "read|write|error", (Readable | Writable | Erroring).String())
}
