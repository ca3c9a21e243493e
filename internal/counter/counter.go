// Package counter is a minimal demonstration Service: a counter that
// increments itself on a timer and on request, and signals every
// subscriber when it changes.
//
// It plays the same role mini-saftd.cpp's timeout_tick/timeout_tock
// pair played for mini-saftlib: a small, self-contained object that
// exercises the event loop, the service container and signal fan-out
// end to end, without pulling in any real timing-receiver hardware.
package counter

import (
	"time"

	"github.com/gsi-hb/saftbus"
	"github.com/gsi-hb/saftbus/loop"
	"github.com/gsi-hb/saftbus/wire"
)

// InterfaceName is the sole interface Service implements.
const InterfaceName = "de.gsi.saftbus.Counter"

// Method numbers on InterfaceName.
const (
	FnIncrement = 0
	FnValue     = 1
)

// Signal numbers on InterfaceName.
const SigChanged = 0

// Service is a Service (as the root package defines it) that holds a
// single counter. Increment adds to it directly; the
// [loop.TimeoutSource] that [Service.ConnectTicker] connects adds 1 on
// an interval. Either path emits SigChanged to every subscriber.
type Service struct {
	container *saftbus.ServiceContainer
	identity  uint32
	value     int64
}

// New registers a new counter Service at path in container and
// returns it.
func New(container *saftbus.ServiceContainer, path string) *Service {
	s := &Service{container: container}
	s.identity = container.Register(path, s)
	return s
}

// Identity returns the numeric identity the container assigned this
// Service.
func (s *Service) Identity() uint32 { return s.identity }

// ConnectTicker registers a [loop.TimeoutSource] on l that calls
// Increment(1) every interval, for the lifetime of l (or until the
// Service is removed from its container, at which point the ticker
// harmlessly keeps incrementing a Service nobody can reach any more;
// callers that remove a Service before shutting down the loop should
// also stop its ticker by discarding the returned source's reference
// and calling [loop.Loop.Remove] on it).
func (s *Service) ConnectTicker(l *loop.Loop, interval time.Duration) *loop.TimeoutSource {
	ts := loop.NewTimeoutSource(func() bool {
		s.Increment(1)
		return true
	}, interval)
	l.Connect(ts)
	return ts
}

// Increment adds delta to the counter and signals every subscriber
// with the new value.
func (s *Service) Increment(delta int64) int64 {
	s.value += delta
	s.container.Emit(s.identity, 0, func(out *wire.Serializer) {
		out.PutUint32(SigChanged)
		out.PutInt32(int32(s.value))
	})
	return s.value
}

// Value returns the current counter value.
func (s *Service) Value() int64 { return s.value }

// Interfaces implements saftbus.Service.
func (s *Service) Interfaces() []string { return []string{InterfaceName} }

// Call implements saftbus.Service.
func (s *Service) Call(interfaceNo, functionNo int, clientID uint32, in *wire.Deserializer, out *wire.Serializer) error {
	if interfaceNo != 0 {
		return &saftbus.UnknownMethodError{InterfaceNo: interfaceNo, FunctionNo: functionNo}
	}
	switch functionNo {
	case FnIncrement:
		delta, err := in.GetInt32()
		if err != nil {
			return err
		}
		out.PutInt32(int32(s.Increment(int64(delta))))
		return nil
	case FnValue:
		out.PutInt32(int32(s.value))
		return nil
	default:
		return &saftbus.UnknownMethodError{InterfaceNo: interfaceNo, FunctionNo: functionNo}
	}
}
