//go:build linux

package proactor

import (
	"strings"
	"sync"

	"github.com/eapache/queue"
)

// Interest selects which readiness kinds a registered socket reacts to.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	Erroring
)

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	parts := make([]string, 0, 3)
	if i&Readable != 0 {
		parts = append(parts, "read")
	}
	if i&Writable != 0 {
		parts = append(parts, "write")
	}
	if i&Erroring != 0 {
		parts = append(parts, "error")
	}
	return strings.Join(parts, "|")
}

// socketEntry holds the interest mask of one socket and its two FIFO queues:
// outbound for Send/SendTo and inbound for Receive/ReceiveFrom.
type socketEntry struct {
	sock     *Socket
	mask     Interest
	outbound *queue.Queue
	inbound  *queue.Queue
	// armed is what the poller currently watches for this socket.
	armed Interest
}

func (e *socketEntry) queueFor(outbound bool) *queue.Queue {
	if outbound {
		return e.outbound
	}
	return e.inbound
}

// wanted is the readiness worth waiting for: a kind is only armed while an
// operation that it can complete is queued.
func (e *socketEntry) wanted() Interest {
	var w Interest
	if e.mask&Readable != 0 && e.inbound.Length() > 0 {
		w |= Readable
	}
	if e.mask&Writable != 0 && e.outbound.Length() > 0 {
		w |= Writable
	}
	if e.mask&Erroring != 0 && (e.inbound.Length() > 0 || e.outbound.Length() > 0) {
		w |= Erroring
	}
	return w
}

type registry struct {
	lock    *sync.RWMutex
	sockets map[int]*socketEntry
}

func newRegistry() *registry {
	return &registry{
		lock:    &sync.RWMutex{},
		sockets: make(map[int]*socketEntry),
	}
}

// add registers s or replaces the mask of an existing registration. It
// reports whether a new entry was created.
func (r *registry) add(s *Socket, mask Interest) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.sockets[s.fd]
	if ok && entry.sock == s {
		entry.mask = mask
		return false
	}
	r.sockets[s.fd] = &socketEntry{
		sock:     s,
		mask:     mask,
		outbound: queue.New(),
		inbound:  queue.New(),
	}
	return true
}

// remove drops the entry of s together with its queued operations.
func (r *registry) remove(s *Socket) (*socketEntry, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.sockets[s.fd]
	if !ok || entry.sock != s {
		return nil, false
	}
	delete(r.sockets, s.fd)
	return entry, true
}

func (r *registry) has(s *Socket) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.sockets[s.fd]
	return ok && entry.sock == s
}

func (r *registry) push(s *Socket, op *operation) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.sockets[s.fd]
	if !ok || entry.sock != s {
		return ErrNotRegistered
	}
	entry.queueFor(op.kind.outbound()).Add(op)
	return nil
}

// head returns the oldest operation of one queue of fd, or nil.
func (r *registry) head(fd int, outbound bool) (*socketEntry, *operation) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.sockets[fd]
	if !ok {
		return nil, nil
	}
	q := entry.queueFor(outbound)
	if q.Length() == 0 {
		return entry, nil
	}
	return entry, q.Peek().(*operation)
}

// pop removes op if it is still the head of its queue on the same entry.
// It fails when the socket was removed or re-registered meanwhile.
func (r *registry) pop(entry *socketEntry, op *operation) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	current, ok := r.sockets[entry.sock.fd]
	if !ok || current != entry {
		return false
	}
	q := entry.queueFor(op.kind.outbound())
	if q.Length() == 0 || q.Peek().(*operation) != op {
		return false
	}
	q.Remove()
	return true
}

// arm calls fn for every socket whose armed interest differs from what it
// wants. On success the new interest is recorded.
func (r *registry) arm(fn func(fd int, from, to Interest) error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for fd, entry := range r.sockets {
		want := entry.wanted()
		if want == entry.armed {
			continue
		}
		if err := fn(fd, entry.armed, want); err != nil {
			continue
		}
		entry.armed = want
	}
}

// pending counts queued operations over all sockets.
func (r *registry) pending() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	total := 0
	for _, entry := range r.sockets {
		total += entry.inbound.Length() + entry.outbound.Length()
	}
	return total
}

func (r *registry) len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sockets)
}
