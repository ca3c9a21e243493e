package saftbus

import (
	"log"
	"net"

	"github.com/gsi-hb/saftbus/loop"
	"github.com/gsi-hb/saftbus/transport"
	"github.com/gsi-hb/saftbus/wire"

	"golang.org/x/sys/unix"
)

// ServerConnection is the daemon side of the handshake described in
// §4.3: it owns the listening socket, turns each client's first fd
// hand-off into a new client, and wires that client's RPC socket into
// the daemon's [loop.Loop] as an IoSource.
//
// Every later signal socket a client attaches arrives as SCM_RIGHTS
// ancillary data on the client's own RPC socket rather than on the
// shared listening socket: an anonymous SOCK_DGRAM listening socket
// has no reliable way to attribute a second datagram to the client
// that sent the first one unless that client bound a named address,
// which saftbus clients never do. Routing later hand-offs over the
// already-identified per-client socket sidesteps the problem
// entirely; see DESIGN.md.
//
// A ServerConnection is not safe for concurrent use; it is driven
// entirely from the daemon's single event loop, matching the
// single-threaded contract of §5.
type ServerConnection struct {
	loop      *loop.Loop
	container *ServiceContainer
	listener  *net.UnixConn

	nextClientID uint32
	clients      map[uint32]*serverClient

	// pendingByClientID holds the most recently attached-but-not-yet-
	// bound signal socket per client, for the bootstrap service's
	// register_proxy to claim (§4.4, §4.5).
	pendingByClientID map[uint32]*transport.SeqpacketConn
}

type serverClient struct {
	id   uint32
	conn *transport.SeqpacketConn
	src  *loop.IoSource
}

// bootstrapPath is a sentinel path that can never collide with an
// application-registered Service path; the bootstrap Service is
// always addressed directly by [BootstrapIdentity], never looked up
// by name, so this only fills its entry's path field and is not
// entered in the container's path table.
const bootstrapPath = "\x00bootstrap"

// NewServerConnection opens the listening socket at socketPath and
// registers its own event sources on l. quit is forwarded to the
// bootstrap service's quit method (§4.4); it is typically l.Quit.
func NewServerConnection(l *loop.Loop, socketPath string, quit func()) (*ServerConnection, error) {
	ln, err := transport.ListenDatagram(socketPath)
	if err != nil {
		return nil, err
	}
	s := &ServerConnection{
		loop:              l,
		listener:          ln,
		nextClientID:      1,
		clients:           make(map[uint32]*serverClient),
		pendingByClientID: make(map[uint32]*transport.SeqpacketConn),
	}
	s.container = NewServiceContainer(quit)
	// Register would assign the next free identity; the bootstrap
	// service is installed directly at the reserved BootstrapIdentity.
	s.container.byIdentity[BootstrapIdentity] = &entry{
		path: bootstrapPath,
		svc: &bootstrapService{
			container:         s.container,
			pendingSignalConn: s.takePendingSignalConn,
		},
		subs: make(map[subscription]*transport.SeqpacketConn),
	}

	src := loop.NewIoSource(s.acceptClient, fdOf(ln), unix.POLLIN)
	l.Connect(src)
	return s, nil
}

// fdOf returns conn's underlying file descriptor for use with
// loop.NewIoSource, without duplicating or taking ownership of it:
// conn remains the sole owner and must outlive any polling on this
// value.
func fdOf(conn *net.UnixConn) int {
	rc, err := conn.SyscallConn()
	if err != nil {
		log.Fatalf("saftbus: listening socket has no syscall conn: %v", err)
	}
	var fd int
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		log.Fatalf("saftbus: reading listening socket fd: %v", err)
	}
	return fd
}

// Container returns the ServiceContainer backing this connection, for
// registering application Services.
func (s *ServerConnection) Container() *ServiceContainer { return s.container }

// acceptClient is the IoSource dispatch for the listening socket.
// Every datagram received here is a brand-new client's first fd
// hand-off (§4.3 steps 1-2); it allocates client_id, replies with it,
// and registers the new RPC socket's own IoSource.
func (s *ServerConnection) acceptClient(fd int, revents int16) bool {
	f, err := transport.ReceiveFile(s.listener)
	if err != nil {
		log.Printf("saftbus: fd hand-off failed: %v", err)
		return true
	}
	conn := transport.NewSeqpacketConn(f)

	id := s.nextClientID
	s.nextClientID++

	reply := wire.NewSerializer(4)
	reply.PutUint32(id)
	if err := conn.WriteMessage(reply.Bytes()); err != nil {
		log.Printf("saftbus: writing client id to new client: %v", err)
		conn.Close()
		return true
	}

	c := &serverClient{id: id, conn: conn}
	c.src = loop.NewIoSource(func(fd int, revents int16) bool {
		return s.dispatchClient(c, revents)
	}, conn.Fd(), unix.POLLIN|unix.POLLHUP|unix.POLLERR)

	s.clients[id] = c
	s.loop.Connect(c.src)
	return true
}

// dispatchClient handles one event on an established client's RPC
// socket: either a signal-socket attachment (SCM_RIGHTS ancillary
// data, no RPC to answer), one RPC request/reply, or a hangup (§4.3's
// hangup handling, S5).
func (s *ServerConnection) dispatchClient(c *serverClient, revents int16) bool {
	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		s.removeClient(c)
		return false
	}

	buf := make([]byte, 64*1024)
	n, signalFd, err := c.conn.ReadMessageOrRights(buf)
	if err != nil {
		log.Printf("saftbus: client %d: read error: %v", c.id, err)
		s.removeClient(c)
		return false
	}
	if signalFd != nil {
		s.pendingByClientID[c.id] = transport.NewSeqpacketConn(signalFd)
		return true
	}

	in := wire.NewDeserializer(buf[:n])
	identity, err := in.GetUint32()
	if err != nil {
		log.Printf("saftbus: client %d: malformed request header: %v", c.id, err)
		s.removeClient(c)
		return false
	}

	out := wire.NewSerializer(64)
	if ok := s.container.CallService(identity, c.id, in, out); !ok {
		out.Reset()
		out.PutBool(false)
	}

	if err := c.conn.WriteMessage(out.Bytes()); err != nil {
		log.Printf("saftbus: client %d: write error: %v", c.id, err)
		s.removeClient(c)
		return false
	}
	return true
}

func (s *ServerConnection) removeClient(c *serverClient) {
	s.container.UnregisterClient(c.id)
	delete(s.clients, c.id)
	delete(s.pendingByClientID, c.id)
	c.conn.Close()
}

// takePendingSignalConn returns and clears the signal socket most
// recently attached by clientID, for the bootstrap service's
// register_proxy to bind.
func (s *ServerConnection) takePendingSignalConn(clientID uint32) *transport.SeqpacketConn {
	conn := s.pendingByClientID[clientID]
	delete(s.pendingByClientID, clientID)
	return conn
}

// Close closes the listening socket and every client's RPC and signal
// sockets.
func (s *ServerConnection) Close() error {
	for _, c := range s.clients {
		s.container.UnregisterClient(c.id)
		c.conn.Close()
	}
	return s.listener.Close()
}
