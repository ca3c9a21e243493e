package counter_test

import (
	"testing"
	"time"

	"github.com/gsi-hb/saftbus"
	"github.com/gsi-hb/saftbus/internal/counter"
	"github.com/gsi-hb/saftbus/saftbustest"
	"github.com/gsi-hb/saftbus/wire"
)

func newProxy(t *testing.T, conn *saftbus.ClientConnection, path string, onSignal saftbus.SignalHandler) (*saftbus.Proxy, *saftbus.SignalGroup) {
	t.Helper()
	group, err := saftbus.NewSignalGroup()
	if err != nil {
		t.Fatalf("NewSignalGroup: %v", err)
	}
	t.Cleanup(func() { group.Close() })

	p, err := saftbus.NewProxy(path, group, conn, onSignal)
	if err != nil {
		t.Fatalf("NewProxy(%q): %v", path, err)
	}
	t.Cleanup(func() { p.Close() })
	return p, group
}

// Increment over RPC returns the running total and emits SigChanged to
// a subscribed proxy.
func TestIncrementCallAndSignal(t *testing.T) {
	d := saftbustest.New(t)
	counter.New(d.Container(), "/counter")

	conn := d.Dial(t)

	signals := make(chan int32, 4)
	p, group := newProxy(t, conn, "/counter", func(interfaceNo int, payload *wire.Deserializer) {
		signalNo, err := payload.GetUint32()
		if err != nil || signalNo != counter.SigChanged {
			return
		}
		v, err := payload.GetInt32()
		if err != nil {
			return
		}
		signals <- v
	})

	reply, err := p.Call(0, counter.FnIncrement, func(in *wire.Serializer) {
		in.PutInt32(5)
	})
	if err != nil {
		t.Fatalf("Call(Increment): %v", err)
	}
	got, err := reply.GetInt32()
	if err != nil {
		t.Fatalf("decoding Increment reply: %v", err)
	}
	if got != 5 {
		t.Fatalf("Increment(5) = %d, want 5", got)
	}

	if _, err := group.WaitForSignal(2000); err != nil {
		t.Fatalf("WaitForSignal: %v", err)
	}
	select {
	case v := <-signals:
		if v != 5 {
			t.Fatalf("signal payload = %d, want 5", v)
		}
	default:
		t.Fatal("WaitForSignal reported a signal but none was queued")
	}
}

// S3 — a signal emitted while two clients are subscribed reaches both,
// each through its own SignalGroup.
func TestSignalFanOutToMultipleClients(t *testing.T) {
	d := saftbustest.New(t)
	svc := counter.New(d.Container(), "/counter")

	connA := d.Dial(t)
	connB := d.Dial(t)

	gotA := make(chan int32, 1)
	gotB := make(chan int32, 1)
	_, groupA := newProxy(t, connA, "/counter", func(_ int, payload *wire.Deserializer) {
		payload.GetUint32()
		v, _ := payload.GetInt32()
		gotA <- v
	})
	_, groupB := newProxy(t, connB, "/counter", func(_ int, payload *wire.Deserializer) {
		payload.GetUint32()
		v, _ := payload.GetInt32()
		gotB <- v
	})

	svc.Increment(1)

	if _, err := groupA.WaitForSignal(2000); err != nil {
		t.Fatalf("groupA.WaitForSignal: %v", err)
	}
	if _, err := groupB.WaitForSignal(2000); err != nil {
		t.Fatalf("groupB.WaitForSignal: %v", err)
	}
	if v := <-gotA; v != 1 {
		t.Fatalf("client A observed %d, want 1", v)
	}
	if v := <-gotB; v != 1 {
		t.Fatalf("client B observed %d, want 1", v)
	}
}

// S2 — resolving an unregistered path fails with PathNotFoundError.
func TestProxyUnknownPath(t *testing.T) {
	d := saftbustest.New(t)
	conn := d.Dial(t)

	group, err := saftbus.NewSignalGroup()
	if err != nil {
		t.Fatalf("NewSignalGroup: %v", err)
	}
	defer group.Close()

	_, err = saftbus.NewProxy("/does/not/exist", group, conn, nil)
	var notFound *saftbus.PathNotFoundError
	if err == nil {
		t.Fatal("NewProxy on an unregistered path succeeded")
	}
	if !asPathNotFound(err, &notFound) {
		t.Fatalf("NewProxy error = %v, want *PathNotFoundError", err)
	}
}

func asPathNotFound(err error, target **saftbus.PathNotFoundError) bool {
	if pnf, ok := err.(*saftbus.PathNotFoundError); ok {
		*target = pnf
		return true
	}
	return false
}

// A register_proxy against an unknown path must not leak the pending
// signal socket on the daemon side: repeating it many times against
// one connection, then successfully registering a real path, would
// eventually fail with "too many open files" on the daemon process if
// each failed attempt left its signal socket open.
func TestProxyUnknownPathDoesNotLeakSignalSocket(t *testing.T) {
	d := saftbustest.New(t)
	counter.New(d.Container(), "/counter")
	conn := d.Dial(t)

	group, err := saftbus.NewSignalGroup()
	if err != nil {
		t.Fatalf("NewSignalGroup: %v", err)
	}
	defer group.Close()

	for i := 0; i < 300; i++ {
		if _, err := saftbus.NewProxy("/does/not/exist", group, conn, nil); err == nil {
			t.Fatal("NewProxy on an unregistered path unexpectedly succeeded")
		}
	}

	p, err := saftbus.NewProxy("/counter", group, conn, nil)
	if err != nil {
		t.Fatalf("NewProxy(%q) after repeated failed registrations: %v", "/counter", err)
	}
	p.Close()
}

// A ticker-driven Service keeps incrementing and signalling on its own,
// without any client RPC involved.
func TestConnectTickerEmitsSignals(t *testing.T) {
	d := saftbustest.New(t)
	svc := counter.New(d.Container(), "/counter")
	svc.ConnectTicker(d.Loop(), 10*time.Millisecond)

	conn := d.Dial(t)
	signals := make(chan int32, 8)
	_, group := newProxy(t, conn, "/counter", func(_ int, payload *wire.Deserializer) {
		payload.GetUint32()
		v, _ := payload.GetInt32()
		signals <- v
	})

	if _, err := group.WaitForSignal(2000); err != nil {
		t.Fatalf("WaitForSignal: %v", err)
	}
	select {
	case v := <-signals:
		if v < 1 {
			t.Fatalf("first ticker signal = %d, want >= 1", v)
		}
	default:
		t.Fatal("WaitForSignal reported a signal but none was queued")
	}
}
