package saftbus

import (
	"errors"
	"fmt"
)

// UnknownIdentityError is returned when a call targets a Service
// identity the container has no record of (§7: "unknown identity").
// On the wire this is not an error at all but a successful reply
// carrying a single false boolean (§6); [ClientConnection.Call]
// translates that reply into this error for callers on the client
// side.
type UnknownIdentityError struct {
	Identity uint32
}

func (e *UnknownIdentityError) Error() string {
	return fmt.Sprintf("saftbus: unknown service identity %d", e.Identity)
}

// UnknownMethodError is returned by a Service's Call when the
// (interfaceNo, functionNo) pair does not resolve to a method it
// implements (§7: "unknown method"). Unlike UnknownIdentityError, this
// is a recoverable, Service-specific condition: the caller may retry
// the same identity with different interface/function numbers.
type UnknownMethodError struct {
	InterfaceNo, FunctionNo int
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("saftbus: unknown method (interface=%d, function=%d)", e.InterfaceNo, e.FunctionNo)
}

// PathNotFoundError is returned by Proxy construction when the
// daemon's bootstrap service could not resolve the requested object
// path to an identity (S2).
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("saftbus: object path %q not found", e.Path)
}

// ErrSignalGroupBusy is returned by WaitForSignal when another
// goroutine is already polling the same SignalGroup. Per the design's
// Open Questions, "at most one poller per group" is a hard contract,
// not merely a recommendation: a second concurrent poller is rejected
// rather than allowed to race the first.
var ErrSignalGroupBusy = errors.New("saftbus: signal group already has a poller")

// ErrTimeout is returned by RPCs that hit their deadline without a
// reply. Per §5, the caller must assume the request is lost; there is
// no implicit retry.
var ErrTimeout = errors.New("saftbus: request timed out")

// ErrClosed is returned by operations attempted on a ClientConnection
// after Close, including Proxy calls routed through it. Closing a
// SignalGroup or a Proxy does not make later calls on it return
// ErrClosed.
var ErrClosed = errors.New("saftbus: use of closed connection")
