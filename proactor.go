//go:build linux

package proactor

import (
	"context"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// State is the externally visible mode of a dispatcher.
type State int32

const (
	Idle State = iota
	Polling
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Running:
		return "running"
	}
	return "unknown"
}

type readyEvent struct {
	fd    int
	ready Interest
}

// Proactor turns socket readiness into completions of queued operations and
// runs immediate and delayed work on the same loop.
//
// Registration and queuing methods are safe for concurrent use. Completion
// handlers and work run on the goroutine driving the loop, one at a time.
type Proactor struct {
	Name string

	mode             Mode
	lockOsThread     bool
	pollTimeout      time.Duration
	runTimeout       time.Duration
	socketBufferSize int
	logger           zerolog.Logger

	poller   *poller
	registry *registry
	work     *workQueue
	stats    *counters

	// runLock is held by whichever goroutine is inside Poll, RunOne or Run.
	runLock       sync.Mutex
	state         *atomic.Int32
	stopRequested *atomic.Bool
	closed        *atomic.Bool
	ready         []readyEvent

	cancel context.CancelFunc
	done   chan struct{}
}

func New(config Config) (*Proactor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = uuid.NewString()
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("proactor", config.Name).Logger()
	if logger.Debug().Enabled() {
		logger.Debug().Msgf("init proactor:%+v", config)
	} else {
		logger.Info().Msgf("init proactor:%s", config.Name)
	}

	poller, err := openPoller(logger, config.EventBufferSize)
	if err != nil {
		logger.Error().Msgf("can't open poller: %+v", err)
		return nil, err
	}
	p := &Proactor{
		Name:             config.Name,
		mode:             config.mode(),
		lockOsThread:     config.LockOsThread,
		pollTimeout:      config.pollTimeout(),
		runTimeout:       config.runTimeout(),
		socketBufferSize: config.SocketBufferSize,
		logger:           logger,
		poller:           poller,
		registry:         newRegistry(),
		work:             newWorkQueue(time.Now),
		stats:            newCounters(),
		state:            atomic.NewInt32(int32(Idle)),
		stopRequested:    atomic.NewBool(false),
		closed:           atomic.NewBool(false),
	}
	if p.mode == SelfDriven {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.done = make(chan struct{})
		p.runLock.Lock()
		go p.drive(ctx)
	}
	return p, nil
}

func (p *Proactor) Mode() Mode {
	return p.mode
}

func (p *Proactor) State() State {
	return State(p.state.Load())
}

// AddSocket registers s for the given readiness kinds. Registering a socket
// again replaces its mask and keeps its queued operations.
func (p *Proactor) AddSocket(s *Socket, mask Interest) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if s == nil || s.Closed() || !s.valid() {
		return ErrInvalidSocket
	}
	mask &= Readable | Writable | Erroring
	if mask == 0 {
		return ErrEmptyInterest
	}
	if p.registry.add(s, mask) {
		setSocketOptions(p.logger, s, p.socketBufferSize)
		if p.logger.Debug().Enabled() {
			p.logger.Debug().Msgf("[%d] registered socket with interest %s", s.fd, mask)
		}
	} else if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] replaced interest with %s", s.fd, mask)
	}
	p.wakeLoop()
	return nil
}

// RemoveSocket forgets s. Operations still queued on it never complete.
func (p *Proactor) RemoveSocket(s *Socket) error {
	if s == nil {
		return ErrInvalidSocket
	}
	entry, ok := p.registry.remove(s)
	if !ok {
		return ErrNotRegistered
	}
	if entry.armed != 0 && !p.closed.Load() {
		if err := p.poller.delete(s.fd); err != nil {
			p.logger.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", s.fd, err)
		}
	}
	if abandoned := entry.inbound.Length() + entry.outbound.Length(); abandoned > 0 {
		p.logger.Debug().Msgf("[%d] removed socket with %d queued operations", s.fd, abandoned)
	}
	return nil
}

// Has reports whether s is registered.
func (p *Proactor) Has(s *Socket) bool {
	return s != nil && p.registry.has(s)
}

// AddSend queues a send of buf on a connected socket. handler may be nil.
func (p *Proactor) AddSend(s *Socket, buf *Buffer, handler CompletionHandler) error {
	return p.enqueue(s, &operation{kind: OpSend, buf: buf, handler: handler})
}

// AddReceive queues a receive into buf on a connected socket.
func (p *Proactor) AddReceive(s *Socket, buf *Buffer, handler CompletionHandler) error {
	return p.enqueue(s, &operation{kind: OpReceive, buf: buf, handler: handler})
}

// AddSendTo queues a datagram send of buf to the given address, which must
// match the address family of s.
func (p *Proactor) AddSendTo(s *Socket, buf *Buffer, to netip.AddrPort, handler CompletionHandler) error {
	if s != nil && !s.accepts(to) {
		return ErrInvalidAddress
	}
	return p.enqueue(s, &operation{kind: OpSendTo, buf: buf, to: to, handler: handler})
}

// AddReceiveFrom queues a datagram receive into buf. The sender is written to
// from, if not nil, before handler runs.
func (p *Proactor) AddReceiveFrom(s *Socket, buf *Buffer, from *netip.AddrPort, handler CompletionHandler) error {
	return p.enqueue(s, &operation{kind: OpReceiveFrom, buf: buf, from: from, handler: handler})
}

func (p *Proactor) enqueue(s *Socket, op *operation) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if s == nil {
		return ErrInvalidSocket
	}
	if op.buf == nil {
		return ErrNilBuffer
	}
	if err := p.registry.push(s, op); err != nil {
		return err
	}
	p.wakeLoop()
	return nil
}

// AddWork queues w to run on the next pass.
func (p *Proactor) AddWork(w Work) error {
	return p.AddTimedWork(w, 0)
}

// AddTimedWork queues w to run on the first pass at least delay from now.
func (p *Proactor) AddTimedWork(w Work, delay time.Duration) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if w == nil {
		return ErrNilWork
	}
	p.work.add(w, delay)
	p.wakeLoop()
	return nil
}

// Poll runs one bounded pass and returns the number of completed operations
// plus executed work items. It waits at most the poll timeout, and not at
// all when work is already due.
func (p *Proactor) Poll() (int, error) {
	if err := p.enter(Polling); err != nil {
		return 0, err
	}
	defer p.leave()
	return p.pass(p.pollTimeout, 0)
}

// RunOne blocks until exactly one operation or work item has been handled.
// It returns 0 and the context error if ctx ends first, or ErrClosed if the
// proactor is closed meanwhile.
func (p *Proactor) RunOne(ctx context.Context) (int, error) {
	if err := p.enter(Polling); err != nil {
		return 0, err
	}
	defer p.leave()
	stopWake := context.AfterFunc(ctx, p.wakeLoop)
	defer stopWake()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		handled, err := p.pass(p.runTimeout, 1)
		if err != nil {
			return 0, err
		}
		if handled > 0 {
			return handled, nil
		}
		if p.closed.Load() {
			return 0, ErrClosed
		}
	}
}

// Run repeats passes until Stop is called or ctx ends. A pending Stop from an
// earlier Run is discarded on entry. Nothing queued is dropped when Run
// returns.
func (p *Proactor) Run(ctx context.Context) error {
	if err := p.enter(Running); err != nil {
		return err
	}
	defer p.leave()
	return p.run(ctx)
}

func (p *Proactor) run(ctx context.Context) error {
	if p.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	p.stopRequested.Store(false)
	stopWake := context.AfterFunc(ctx, p.wakeLoop)
	defer stopWake()
	for !p.stopRequested.Load() && !p.closed.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, err := p.pass(p.runTimeout, 0)
		if err != nil {
			p.logger.Error().Msgf("got error while waiting for the net events: %+v", err)
			return err
		}
		if handled > 0 && p.logger.Debug().Enabled() {
			p.logger.Debug().Msgf("handled %d units", handled)
		}
	}
	return nil
}

// drive is the body of the self-driven goroutine. It owns runLock for its
// whole life.
func (p *Proactor) drive(ctx context.Context) {
	defer close(p.done)
	defer p.runLock.Unlock()
	p.state.Store(int32(Running))
	defer p.state.Store(int32(Idle))
	if err := p.run(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error().Msgf("self-driven loop stopped: %+v", err)
	}
}

// Stop asks Run to return once the current pass is finished. It is safe to
// call from a completion handler or work item. On a self-driven proactor it
// ends the background loop.
func (p *Proactor) Stop() {
	p.stopRequested.Store(true)
	p.wakeLoop()
}

// Close stops the loop and releases the poller. It waits for a pass running
// on another goroutine, so it must not be called from a handler.
func (p *Proactor) Close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}
	p.Stop()
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.runLock.Lock()
	defer p.runLock.Unlock()
	p.logger.Info().Msgf("closing proactor:%s", p.Name)
	return p.poller.close()
}

func (p *Proactor) Stats() Stats {
	return Stats{
		Passes:        p.stats.passes.Load(),
		Completed:     p.stats.completed.Load(),
		Failed:        p.stats.failed.Load(),
		WorkExecuted:  p.stats.workExecuted.Load(),
		BytesSent:     p.stats.bytesSent.Load(),
		BytesReceived: p.stats.bytesReceived.Load(),
		Sockets:       p.registry.len(),
		Pending:       p.registry.pending(),
		PendingWork:   p.work.len(),
	}
}

func (p *Proactor) enter(state State) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.mode == SelfDriven {
		return ErrSelfDriven
	}
	if !p.runLock.TryLock() {
		return ErrBusy
	}
	// Publish the state before checking closed so that Close either is seen
	// here or sees a non-idle loop and wakes it.
	p.state.Store(int32(state))
	if p.closed.Load() {
		p.leave()
		return ErrClosed
	}
	return nil
}

func (p *Proactor) leave() {
	p.state.Store(int32(Idle))
	p.runLock.Unlock()
}

// wakeLoop interrupts a wait in progress so that newly queued work is seen.
func (p *Proactor) wakeLoop() {
	if p.State() == Idle {
		return
	}
	if err := p.poller.wake.signal(); err != nil {
		p.logger.Error().Msgf("can't wake up poller: %+v", err)
	}
}

// pass is one iteration of the loop: arm interest, wait for readiness bounded
// by wait and the next due work, complete matching operations, then drain due
// work. limit caps the units handled, 0 meaning no cap.
func (p *Proactor) pass(wait time.Duration, limit int) (int, error) {
	p.stats.passes.Inc()
	if next, ok := p.work.next(); ok {
		if until := time.Until(next); until <= 0 {
			wait = 0
		} else if until < wait {
			wait = until
		}
	}
	p.registry.arm(p.arm)

	p.ready = p.ready[:0]
	_, err := p.poller.wait(toMsec(wait), func(fd int, ready Interest) {
		p.ready = append(p.ready, readyEvent{fd: fd, ready: ready})
	})
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, ev := range p.ready {
		if limit > 0 && handled >= limit {
			break
		}
		budget := 0
		if limit > 0 {
			budget = limit - handled
		}
		handled += p.dispatch(ev.fd, ev.ready, budget)
	}

	if limit == 0 || handled < limit {
		now := time.Now()
		mark := p.work.mark()
		for limit == 0 || handled < limit {
			item := p.work.popDue(now, mark)
			if item == nil {
				break
			}
			item.work()
			p.stats.workExecuted.Inc()
			handled++
		}
	}
	return handled, nil
}

func (p *Proactor) arm(fd int, from, to Interest) error {
	err := p.poller.update(fd, from, to)
	if err != nil {
		p.logger.Error().Msgf("[%d] can't arm %s: %+v", fd, to, err)
	}
	return err
}

// dispatch handles one ready socket: the outbound head on Writable, the
// inbound head on Readable, and on Erroring the head of whichever queue is
// non-empty, failed with the socket's pending error. budget caps the
// completions, 0 meaning no cap.
func (p *Proactor) dispatch(fd int, ready Interest, budget int) int {
	entry, outHead := p.registry.head(fd, true)
	if entry == nil {
		if err := p.poller.delete(fd); err != nil {
			p.logger.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", fd, err)
		}
		return 0
	}
	_, inHead := p.registry.head(fd, false)
	sendable := entry.mask&Writable != 0 && ready&Writable != 0
	receivable := entry.mask&Readable != 0 && ready&Readable != 0

	if outHead == nil && inHead == nil {
		return 0
	}
	if ready&Erroring != 0 {
		if entry.mask&Erroring != 0 {
			if perr := entry.sock.PendingError(); perr != nil {
				op := outHead
				if op == nil {
					op = inHead
				}
				if p.finish(entry, op, Result{Err: perr}) {
					return 1
				}
				return 0
			}
		}
		// Hang-up without a pending error: let the transfers report it.
		sendable = sendable || entry.mask&(Writable|Erroring) != 0
		receivable = receivable || entry.mask&(Readable|Erroring) != 0
	}

	handled := 0
	if sendable && outHead != nil {
		if res, done := p.attempt(entry.sock, outHead); done && p.finish(entry, outHead, res) {
			handled++
		}
	}
	if budget > 0 && handled >= budget {
		return handled
	}
	if receivable && inHead != nil {
		if res, done := p.attempt(entry.sock, inHead); done && p.finish(entry, inHead, res) {
			handled++
		}
	}
	return handled
}

// attempt performs the single non-blocking call for op. done is false when
// the socket would block and op stays queued.
func (p *Proactor) attempt(s *Socket, op *operation) (Result, bool) {
	var n int
	var err error
	switch op.kind {
	case OpSend:
		n, err = s.Send(op.buf.Bytes())
	case OpSendTo:
		n, err = s.SendTo(op.buf.Bytes(), op.to)
	case OpReceive:
		n, err = s.Receive(op.buf.Bytes())
	case OpReceiveFrom:
		var from netip.AddrPort
		n, from, err = s.ReceiveFrom(op.buf.Bytes())
		if err == nil && op.from != nil {
			*op.from = from
		}
	}
	if iox.IsWouldBlock(err) {
		return Result{}, false
	}
	return Result{N: n, Err: err}, true
}

// finish pops op and runs its handler. It reports false if op was abandoned
// by RemoveSocket in the meantime.
func (p *Proactor) finish(entry *socketEntry, op *operation, res Result) bool {
	if !p.registry.pop(entry, op) {
		return false
	}
	if res.Err != nil {
		res = Result{Err: &TransferError{Op: op.kind, Fd: entry.sock.fd, Err: res.Err}}
		if p.logger.Debug().Enabled() {
			p.logger.Debug().Msgf("[%d] %s failed: %v", entry.sock.fd, op.kind, res.Err)
		}
	} else if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("[%d] %s transferred %d bytes", entry.sock.fd, op.kind, res.N)
	}
	p.stats.record(op.kind, res)
	op.complete(res)
	return true
}

// toMsec rounds up so that a wait never ends before the work it waits for is due.
func toMsec(d time.Duration) int {
	if d < 0 {
		return blocked
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
