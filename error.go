package proactor

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSocket  = errors.New("proactor: invalid or closed socket")
	ErrNotRegistered  = errors.New("proactor: socket not registered")
	ErrEmptyInterest  = errors.New("proactor: empty interest mask")
	ErrNilWork        = errors.New("proactor: nil work")
	ErrNilBuffer      = errors.New("proactor: nil buffer")
	ErrInvalidAddress = errors.New("proactor: invalid address")
	ErrBusy           = errors.New("proactor: another pass is in progress")
	ErrSelfDriven     = errors.New("proactor: dispatcher is self-driven")
	ErrClosed         = errors.New("proactor: dispatcher closed")
	errInvalidMode    = errors.New("proactor: unknown mode")
)

// TransferError is passed to a completion handler when the OS rejects a
// send or receive. Unwrap yields the underlying errno.
type TransferError struct {
	Op  OpKind
	Fd  int
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("proactor: %s on fd %d: %v", e.Op, e.Fd, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
