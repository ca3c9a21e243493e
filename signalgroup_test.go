package saftbus_test

import (
	"testing"
	"time"

	"github.com/gsi-hb/saftbus"
	"github.com/gsi-hb/saftbus/saftbustest"
	"github.com/gsi-hb/saftbus/wire"
)

// A concurrent second poller on the same group is rejected immediately
// rather than queued behind the first (§9 Open Questions). No daemon
// or Proxy is needed: the contract is enforced purely on the group's
// own poller lock, independent of whether anything is actually
// sending signals.
func TestWaitForSignalRejectsConcurrentPoller(t *testing.T) {
	group, err := saftbus.NewSignalGroup()
	if err != nil {
		t.Fatalf("NewSignalGroup: %v", err)
	}
	defer group.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		group.WaitForSignal(500)
	}()
	// Give the goroutine above a chance to acquire the poller lock
	// before this goroutine's own call races it.
	time.Sleep(50 * time.Millisecond)

	if _, err := group.WaitForSignal(0); err != saftbus.ErrSignalGroupBusy {
		t.Fatalf("concurrent WaitForSignal returned %v, want ErrSignalGroupBusy", err)
	}
	<-done
}

// WaitForSignal drains a burst of already-buffered signals in one
// call rather than returning after the first (§4.6).
func TestWaitForSignalDrainsBufferedBurst(t *testing.T) {
	d := saftbustest.New(t)
	svc := &echoSignalService{}
	svc.identity = d.Container().Register("/burst", svc)

	conn := d.Dial(t)
	group, err := saftbus.NewSignalGroup()
	if err != nil {
		t.Fatalf("NewSignalGroup: %v", err)
	}
	defer group.Close()

	var received int
	p, err := saftbus.NewProxy("/burst", group, conn, func(int, *wire.Deserializer) {
		received++
	})
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	defer p.Close()

	for i := 0; i < 5; i++ {
		svc.emit(d.Container())
	}
	// Give the daemon's loop a moment to deliver all five before this
	// goroutine polls.
	time.Sleep(100 * time.Millisecond)

	n, err := group.WaitForSignal(2000)
	if err != nil {
		t.Fatalf("WaitForSignal: %v", err)
	}
	if n != 5 {
		t.Fatalf("WaitForSignal reported %d signals, want 5", n)
	}
	if received != 5 {
		t.Fatalf("dispatched %d signals to the proxy, want 5", received)
	}
}
