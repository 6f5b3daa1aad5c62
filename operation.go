package proactor

import (
	"net/netip"
)

type OpKind uint8

const (
	OpSend OpKind = iota
	OpReceive
	OpSendTo
	OpReceiveFrom
)

func (k OpKind) String() string {
	switch k {
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	case OpSendTo:
		return "sendto"
	case OpReceiveFrom:
		return "recvfrom"
	}
	return "unknown"
}

func (k OpKind) outbound() bool {
	return k == OpSend || k == OpSendTo
}

// CompletionHandler receives the outcome of one queued operation. err is nil
// on success; on failure n is 0 and err is a *TransferError.
type CompletionHandler func(n int, err error)

// Result is the outcome of a single transfer attempt.
type Result struct {
	N   int
	Err error
}

// operation is one pending transfer. to is read for OpSendTo, from is
// written for OpReceiveFrom.
type operation struct {
	kind    OpKind
	buf     *Buffer
	to      netip.AddrPort
	from    *netip.AddrPort
	handler CompletionHandler
}

// complete invokes the handler, if any.
func (op *operation) complete(res Result) {
	if op.handler != nil {
		op.handler(res.N, res.Err)
	}
}
