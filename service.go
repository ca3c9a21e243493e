package saftbus

import (
	"sync"

	"github.com/gsi-hb/saftbus/transport"
	"github.com/gsi-hb/saftbus/wire"
)

// BootstrapIdentity is the reserved identity of the container's own
// synthetic bootstrap service (§3, §4.4). No Service registered by
// daemon code is ever assigned this identity.
const BootstrapIdentity uint32 = 0

// bootstrapInterface is the sole interface the container itself
// implements, exposed at BootstrapIdentity.
const bootstrapInterface = "de.gsi.saftbus.Container"

// Bootstrap method numbers on bootstrapInterface, interface index 0.
// The distilled spec fixes function 1 as the quit request (§4.4); the
// other two numbers are this implementation's own choice, since the
// original prototype's wire traffic for the bootstrap service predates
// the (identity, interface_no, function_no) header this repo follows
// uniformly.
const (
	fnRegisterProxy   = 0
	fnQuit            = 1
	fnUnregisterProxy = 2
)

// Service is an object hosted by the daemon, addressable by a numeric
// identity and exposing methods grouped into named interfaces.
//
// Implementations must not block: saftbus is a single-threaded
// cooperative daemon (§5), and a Service that blocks inside Call
// blocks delivery of every other client's RPCs and signals for as
// long as it does. Long-running work must instead be expressed as
// additional Sources connected to the daemon's [loop.Loop].
type Service interface {
	// Interfaces returns the ordered list of interface names this
	// service declares. interfaceNo in Call indexes into this list.
	Interfaces() []string

	// Call invokes the method selected by (interfaceNo, functionNo),
	// reading its arguments from in and writing its reply to out.
	// clientID identifies the calling client (§4.5's redesign: this
	// replaces the original's raw client file descriptor, which would
	// leak a kernel implementation detail into the Service interface
	// for no benefit — see SPEC_FULL.md §3). Call returns
	// [*UnknownMethodError] if (interfaceNo, functionNo) does not
	// resolve to an implemented method.
	Call(interfaceNo, functionNo int, clientID uint32, in *wire.Deserializer, out *wire.Serializer) error
}

// subscription identifies one (service, client, signal group) tuple
// in the proxy table (§3).
type subscription struct {
	clientID      uint32
	signalGroupID uint32
}

// entry is the container's bookkeeping for one registered Service.
type entry struct {
	path string
	svc  Service
	subs map[subscription]*transport.SeqpacketConn
}

// ServiceContainer owns every Service hosted by the daemon, assigns
// identities, and maintains the proxy subscription table described in
// §3 and §4.4.
//
// A ServiceContainer is safe for concurrent use, but in normal
// operation every call to it happens from the single goroutine
// running the daemon's event loop (§5); the mutex exists to make
// tests and unusual embeddings safe, not to support concurrent RPC
// dispatch.
type ServiceContainer struct {
	mu sync.Mutex

	byPath       map[string]uint32
	byIdentity   map[uint32]*entry
	nextIdentity uint32

	nextSignalGroupID uint32

	quit func()
}

// NewServiceContainer returns an empty container. quit is invoked
// when a client issues the bootstrap quit request (§4.4); it is
// typically [loop.Loop.Quit].
func NewServiceContainer(quit func()) *ServiceContainer {
	return &ServiceContainer{
		byPath:       make(map[string]uint32),
		byIdentity:   make(map[uint32]*entry),
		nextIdentity: 1, // identity 0 is reserved, see BootstrapIdentity
		quit:         quit,
	}
}

// Register adds svc at path and returns its newly assigned identity.
// Identities are strictly monotone and are never reissued within the
// lifetime of the container, even after the Service they named is
// removed (invariant 2 of §8).
func (c *ServiceContainer) Register(path string, svc Service) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextIdentity
	c.nextIdentity++
	c.byPath[path] = id
	c.byIdentity[id] = &entry{
		path: path,
		svc:  svc,
		subs: make(map[subscription]*transport.SeqpacketConn),
	}
	return id
}

// Remove destroys the Service at identity. Its identity is never
// reissued (§3). Removing a Service does not require that it have no
// subscribers; any still-open signal sockets for it are closed.
func (c *ServiceContainer) Remove(identity uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byIdentity[identity]
	if !ok {
		return
	}
	for _, conn := range e.subs {
		conn.Close()
	}
	delete(c.byIdentity, identity)
	delete(c.byPath, e.path)
}

// RegisterProxy resolves path to an identity and subscribes
// signalConn to it under a freshly allocated signal group ID, as the
// bootstrap service's register_proxy method (§4.4). It returns
// identity 0 if path is unknown, in which case signalConn is left
// unsubscribed (and the caller should close it).
func (c *ServiceContainer) RegisterProxy(path string, clientID uint32, signalConn *transport.SeqpacketConn) (identity, signalGroupID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byPath[path]
	if !ok {
		return 0, 0
	}
	c.nextSignalGroupID++
	sgID := c.nextSignalGroupID
	if signalConn != nil {
		c.byIdentity[id].subs[subscription{clientID, sgID}] = signalConn
	}
	return id, sgID
}

// UnregisterProxy removes a subscription added by RegisterProxy. It
// reports true unless the (identity, clientID, signalGroupID) tuple
// did not exist, and is idempotent: calling it twice for the same
// tuple is safe and returns false the second time (§3, §4.4).
func (c *ServiceContainer) UnregisterProxy(identity, clientID, signalGroupID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byIdentity[identity]
	if !ok {
		return false
	}
	key := subscription{clientID, signalGroupID}
	conn, ok := e.subs[key]
	if !ok {
		return false
	}
	delete(e.subs, key)
	conn.Close()
	return true
}

// UnregisterClient removes every subscription belonging to clientID,
// across every Service. It is called once per client on hangup (§4.3,
// S5), and is safe to call even if the client had no subscriptions.
func (c *ServiceContainer) UnregisterClient(clientID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.byIdentity {
		for key, conn := range e.subs {
			if key.clientID == clientID {
				conn.Close()
				delete(e.subs, key)
			}
		}
	}
}

// CallService dispatches to the Service at identity. It returns false
// if identity is unknown (§4.4); the caller (ServerConnection) is
// responsible for turning that into the wire-level "unknown identity"
// reply described in §6.
func (c *ServiceContainer) CallService(identity, clientID uint32, in *wire.Deserializer, out *wire.Serializer) bool {
	c.mu.Lock()
	e, ok := c.byIdentity[identity]
	c.mu.Unlock()
	if !ok {
		return false
	}

	interfaceNo, err := in.GetUint32()
	if err != nil {
		return false
	}
	functionNo, err := in.GetUint32()
	if err != nil {
		return false
	}

	if err := e.svc.Call(int(interfaceNo), int(functionNo), clientID, in, out); err != nil {
		// Unknown method is recoverable (§7): surface it as a
		// one-shot reply rather than tearing down the connection.
		out.Reset()
		out.PutBool(false)
		out.PutString(err.Error())
	}
	return true
}

// Emit writes a signal to every current subscriber of identity. Per
// §4.4, writes are non-blocking: a subscriber whose signal socket
// would block is treated as a slow consumer and torn down
// immediately, and does not prevent delivery to the other
// subscribers. Emit itself writes the (identity, interfaceNo) header
// that precedes every signal on the wire (§6); buildPayload writes
// only the signal-specific payload that follows it.
func (c *ServiceContainer) Emit(identity uint32, interfaceNo int, buildPayload func(*wire.Serializer)) {
	c.mu.Lock()
	e, ok := c.byIdentity[identity]
	if !ok {
		c.mu.Unlock()
		return
	}
	targets := make(map[subscription]*transport.SeqpacketConn, len(e.subs))
	for k, v := range e.subs {
		targets[k] = v
	}
	c.mu.Unlock()

	msg := wire.NewSerializer(64)
	msg.PutUint32(identity)
	msg.PutUint32(uint32(interfaceNo))
	buildPayload(msg)
	payload := msg.Bytes()

	for key, conn := range targets {
		if err := conn.WriteMessageNonBlocking(payload); err != nil {
			// Slow consumer (§4.4, §7, S6): tear down this
			// subscription and close the daemon's copy of its signal
			// socket. Nothing is reported to the client over its RPC
			// socket; its later RPCs are unaffected.
			c.mu.Lock()
			if cur, ok := e.subs[key]; ok && cur == conn {
				delete(e.subs, key)
			}
			c.mu.Unlock()
			conn.Close()
		}
	}
}

// bootstrapService implements Service for BootstrapIdentity, wrapping
// a ServiceContainer the way the original ContainerService wraps its
// ServiceContainer (§4.4).
type bootstrapService struct {
	container *ServiceContainer
	// pendingSignalConn supplies the signal socket that should be
	// bound by the next register_proxy call from a given client; see
	// ServerConnection, which populates it from the fd hand-off
	// protocol of §4.3/§6.
	pendingSignalConn func(clientID uint32) *transport.SeqpacketConn
}

func (b *bootstrapService) Interfaces() []string { return []string{bootstrapInterface} }

func (b *bootstrapService) Call(interfaceNo, functionNo int, clientID uint32, in *wire.Deserializer, out *wire.Serializer) error {
	if interfaceNo != 0 {
		return &UnknownMethodError{interfaceNo, functionNo}
	}
	switch functionNo {
	case fnRegisterProxy:
		path, err := in.GetString()
		if err != nil {
			return err
		}
		conn := b.pendingSignalConn(clientID)
		identity, signalGroupID := b.container.RegisterProxy(path, clientID, conn)
		if identity == BootstrapIdentity && conn != nil {
			// path not found: RegisterProxy leaves conn unsubscribed
			// (see its doc comment), so nothing else will ever close
			// this signal socket.
			conn.Close()
		}
		out.PutUint32(identity)
		out.PutUint32(clientID)
		out.PutUint32(signalGroupID)
		return nil
	case fnUnregisterProxy:
		identity, err := in.GetUint32()
		if err != nil {
			return err
		}
		gotClientID, err := in.GetUint32()
		if err != nil {
			return err
		}
		signalGroupID, err := in.GetUint32()
		if err != nil {
			return err
		}
		ok := b.container.UnregisterProxy(identity, gotClientID, signalGroupID)
		out.PutBool(ok)
		return nil
	case fnQuit:
		if b.container.quit != nil {
			b.container.quit()
		}
		return nil
	default:
		return &UnknownMethodError{interfaceNo, functionNo}
	}
}
