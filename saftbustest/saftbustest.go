// Package saftbustest runs an isolated saftbus daemon in-process for
// tests, the way the reference transport package's dbustest runs an
// isolated dbus-daemon: a disposable instance, scoped to one test and
// torn down automatically on cleanup. Because the daemon here is just
// this module's own [saftbus.ServerConnection] driven by a
// [loop.Loop], there is no external binary to shell out to; the whole
// thing runs as a goroutine inside the test process.
package saftbustest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gsi-hb/saftbus"
	"github.com/gsi-hb/saftbus/loop"
)

// Daemon is an isolated saftbus daemon bound to one test's lifetime.
type Daemon struct {
	SocketPath string

	loop   *loop.Loop
	server *saftbus.ServerConnection
	done   chan struct{}
}

// New starts a daemon listening on a socket under t.TempDir() and
// registers a cleanup that quits the loop and waits for it to stop.
func New(t *testing.T) *Daemon {
	t.Helper()

	l := loop.New()
	sockPath := filepath.Join(t.TempDir(), "saftbus.sock")
	server, err := saftbus.NewServerConnection(l, sockPath, l.Quit)
	if err != nil {
		t.Fatalf("saftbustest: starting server connection: %v", err)
	}

	// A bare IoSource on the listening socket has no timeout of its
	// own, so with no clients connected the loop's poll can block
	// indefinitely; a harmless recurring timer bounds that wait so
	// Quit is noticed promptly on test cleanup instead of racing a
	// blocked poll(2) against the listening socket's fd being closed.
	l.Connect(loop.NewTimeoutSource(func() bool { return true }, 20*time.Millisecond))

	d := &Daemon{
		SocketPath: sockPath,
		loop:       l,
		server:     server,
		done:       make(chan struct{}),
	}

	go func() {
		defer close(d.done)
		l.Run()
	}()

	t.Cleanup(d.stop)
	return d
}

// Loop returns the daemon's event loop, for tests that need to
// register additional Services or Sources.
func (d *Daemon) Loop() *loop.Loop { return d.loop }

// Container returns the daemon's ServiceContainer, for registering
// test Services.
func (d *Daemon) Container() *saftbus.ServiceContainer { return d.server.Container() }

func (d *Daemon) stop() {
	d.loop.Quit()
	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
	}
	d.server.Close()
}

// Dial connects a new [saftbus.ClientConnection] to the daemon.
func (d *Daemon) Dial(t *testing.T) *saftbus.ClientConnection {
	t.Helper()
	conn, err := saftbus.Dial(d.SocketPath)
	if err != nil {
		t.Fatalf("saftbustest: dialing test daemon: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
