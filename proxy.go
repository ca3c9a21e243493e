package saftbus

import (
	"log"

	"github.com/gsi-hb/saftbus/wire"
)

// SignalHandler is invoked synchronously from a SignalGroup's polling
// goroutine whenever a signal arrives for the Proxy it is registered
// on (§9 Design Notes: callbacks are plain Go function values, not a
// signal/slot library).
type SignalHandler func(interfaceNo int, payload *wire.Deserializer)

// Proxy is a client-side stand-in for a remote Service, addressed by
// the numeric identity the daemon assigned it at registration (§4.5).
//
// A Proxy is referenced by whatever application code holds it and by
// its SignalGroup's subscriber list. The subscriber list holds an
// ordinary reference, so the group keeps the Proxy reachable until
// Close removes it from the list; there is no weak reference and no
// reference counting. Close also releases the server-side
// subscription.
type Proxy struct {
	conn  *ClientConnection
	group *SignalGroup

	objIdentity   uint32
	clientID      uint32
	signalGroupID uint32

	onSignal SignalHandler
	closed   bool
}

// NewProxy registers path against conn (or the process default, if
// conn is nil) and attaches the resulting subscription to group. If
// onSignal is non-nil, it is called for every signal this Proxy's
// identity receives through group.
//
// It returns a [*PathNotFoundError] if the daemon does not recognise
// path (S2).
func NewProxy(path string, group *SignalGroup, conn *ClientConnection, onSignal SignalHandler) (*Proxy, error) {
	if conn == nil {
		var err error
		conn, err = DefaultClientConnection()
		if err != nil {
			return nil, err
		}
	}

	identity, clientID, signalGroupID, err := conn.registerProxy(path, group.remote)
	if err != nil {
		return nil, err
	}
	if identity == BootstrapIdentity {
		return nil, &PathNotFoundError{Path: path}
	}

	p := &Proxy{
		conn:          conn,
		group:         group,
		objIdentity:   identity,
		clientID:      clientID,
		signalGroupID: signalGroupID,
		onSignal:      onSignal,
	}
	group.addProxy(p)
	return p, nil
}

// Identity returns the numeric identity the daemon assigned to this
// Proxy's remote object.
func (p *Proxy) Identity() uint32 { return p.objIdentity }

func (p *Proxy) identity() uint32 { return p.objIdentity }

func (p *Proxy) signalDispatch(interfaceNo int, payload *wire.Deserializer) {
	if p.onSignal != nil {
		p.onSignal(interfaceNo, payload)
	}
}

// Call invokes a method on the proxied object.
func (p *Proxy) Call(interfaceNo, functionNo int, buildArgs func(*wire.Serializer)) (*wire.Deserializer, error) {
	return p.conn.Call(p.objIdentity, interfaceNo, functionNo, buildArgs)
}

// Close unregisters this Proxy's subscription and detaches it from its
// SignalGroup.
//
// Per §9 Open Questions, a failure here (typically because the daemon
// has already exited) is logged and otherwise swallowed rather than
// asserted on: by the time a client is tearing down, a gone daemon has
// already torn down every subscription on its side, so there is
// nothing left to do but stop trying.
func (p *Proxy) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.group.removeProxy(p)

	ok, err := p.conn.unregisterProxy(p.objIdentity, p.clientID, p.signalGroupID)
	if err != nil {
		log.Printf("saftbus: proxy %d: unregister_proxy failed, assuming daemon is gone: %v", p.objIdentity, err)
		return nil
	}
	if !ok {
		log.Printf("saftbus: proxy %d: unregister_proxy found no matching subscription", p.objIdentity)
	}
	return nil
}
