package proactor

import (
	"go.uber.org/atomic"
)

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Passes        uint64
	Completed     uint64
	Failed        uint64
	WorkExecuted  uint64
	BytesSent     uint64
	BytesReceived uint64
	Sockets       int
	Pending       int
	PendingWork   int
}

type counters struct {
	passes        *atomic.Uint64
	completed     *atomic.Uint64
	failed        *atomic.Uint64
	workExecuted  *atomic.Uint64
	bytesSent     *atomic.Uint64
	bytesReceived *atomic.Uint64
}

func newCounters() *counters {
	return &counters{
		passes:        atomic.NewUint64(0),
		completed:     atomic.NewUint64(0),
		failed:        atomic.NewUint64(0),
		workExecuted:  atomic.NewUint64(0),
		bytesSent:     atomic.NewUint64(0),
		bytesReceived: atomic.NewUint64(0),
	}
}

func (c *counters) record(kind OpKind, res Result) {
	if res.Err != nil {
		c.failed.Inc()
		return
	}
	c.completed.Inc()
	if kind.outbound() {
		c.bytesSent.Add(uint64(res.N))
	} else {
		c.bytesReceived.Add(uint64(res.N))
	}
}
