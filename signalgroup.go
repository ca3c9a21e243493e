package saftbus

import (
	"fmt"
	"os"
	"sync"

	"github.com/gsi-hb/saftbus/transport"
	"github.com/gsi-hb/saftbus/wire"

	"golang.org/x/sys/unix"
)

// signalDispatcher is the subset of Proxy a SignalGroup needs to
// demultiplex onto: its remote identity and a way to hand it a
// decoded signal (§4.6).
type signalDispatcher interface {
	identity() uint32
	signalDispatch(interfaceNo int, payload *wire.Deserializer)
}

// SignalGroup owns one end of a seqpacket pair whose other end has
// been handed to the daemon (once per attached Proxy, via
// [ClientConnection]'s registerProxy); it demultiplexes inbound signal
// messages onto the Proxies registered with it, by identity.
//
// Per §4.6's thread model, a SignalGroup has two independent lock
// domains: pollMu enforces "at most one poller at a time" as a hard
// contract (see §9 Open Questions — this package rejects a second
// concurrent poller rather than letting it race the first), and listMu
// guards the proxy list separately so a Proxy can register or
// unregister itself while a poll is in flight without contending with
// the socket read.
type SignalGroup struct {
	conn   *transport.SeqpacketConn
	remote *os.File

	pollMu sync.Mutex

	listMu  sync.Mutex
	proxies []signalDispatcher

	closed bool
}

// NewSignalGroup creates a fresh seqpacket pair for a new SignalGroup.
// The far end (remote) is kept open and handed to the daemon afresh
// by every Proxy constructed against this group; it is only closed
// when the group itself is closed.
func NewSignalGroup() (*SignalGroup, error) {
	local, remote, err := transport.NewSeqpacketPair()
	if err != nil {
		return nil, err
	}
	return &SignalGroup{conn: transport.NewSeqpacketConn(local), remote: remote}, nil
}

func (g *SignalGroup) addProxy(p signalDispatcher) {
	g.listMu.Lock()
	defer g.listMu.Unlock()
	g.proxies = append(g.proxies, p)
}

func (g *SignalGroup) removeProxy(p signalDispatcher) {
	g.listMu.Lock()
	defer g.listMu.Unlock()
	for i, existing := range g.proxies {
		if existing == p {
			g.proxies = append(g.proxies[:i], g.proxies[i+1:]...)
			return
		}
	}
}

// WaitForSignal performs at least one bounded poll on the group's
// socket, waiting up to timeoutMs; if a signal arrives, it then drains
// any already-buffered signals with zero-timeout polls before
// returning, so a burst of signals delivered between two calls is
// observed in one WaitForSignal rather than trickling out one per call
// (§4.6). It returns the number of signals read, 0 on timeout; that
// count includes signals dropped because no Proxy in the group has
// their identity.
//
// Only one goroutine may call WaitForSignal on a given group at a
// time; a concurrent call returns [ErrSignalGroupBusy] immediately
// rather than blocking behind the first (§9 Open Questions).
func (g *SignalGroup) WaitForSignal(timeoutMs int) (int, error) {
	if !g.pollMu.TryLock() {
		return 0, ErrSignalGroupBusy
	}
	defer g.pollMu.Unlock()

	n, err := g.waitOnce(timeoutMs)
	if err != nil || n == 0 {
		return n, err
	}
	total := n
	for {
		more, err := g.waitOnce(0)
		if err != nil {
			return total, err
		}
		if more == 0 {
			return total, nil
		}
		total += more
	}
}

func (g *SignalGroup) waitOnce(timeoutMs int) (int, error) {
	revents, err := pollOne(g.conn.Fd(), unix.POLLIN|unix.POLLHUP|unix.POLLERR, timeoutMs)
	if err != nil {
		return 0, fmt.Errorf("saftbus: polling signal group: %w", err)
	}
	if revents == 0 {
		return 0, nil
	}
	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		return 0, fmt.Errorf("saftbus: signal group socket closed, daemon may have exited")
	}

	buf := make([]byte, 64*1024)
	n, err := g.conn.ReadMessage(buf)
	if err != nil {
		return 0, fmt.Errorf("saftbus: reading signal: %w", err)
	}

	in := wire.NewDeserializer(buf[:n])
	identity, err := in.GetUint32()
	if err != nil {
		return 0, fmt.Errorf("saftbus: decoding signal header: %w", err)
	}
	interfaceNo, err := in.GetUint32()
	if err != nil {
		return 0, fmt.Errorf("saftbus: decoding signal header: %w", err)
	}

	g.listMu.Lock()
	var target signalDispatcher
	for _, p := range g.proxies {
		if p.identity() == identity {
			target = p
			break
		}
	}
	g.listMu.Unlock()

	// Unknown identities are dropped silently: a race with an
	// in-flight unregister_proxy is legal (§4.6).
	if target != nil {
		target.signalDispatch(int(interfaceNo), in)
	}
	return 1, nil
}

// Close releases both ends of the group's socket pair.
func (g *SignalGroup) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.remote.Close()
	return g.conn.Close()
}
