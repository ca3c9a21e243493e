package saftbus

import (
	"fmt"
	"os"
	"sync"

	"github.com/gsi-hb/saftbus/transport"
	"github.com/gsi-hb/saftbus/wire"

	"golang.org/x/sys/unix"
)

// SocketPathEnv is the environment variable a client consults for the
// daemon's listening socket path, overriding whatever path the caller
// passed to [Dial] (§4.5, §6).
const SocketPathEnv = "SAFTBUS_SOCKET_PATH"

// defaultTimeoutMillis bounds every RPC this package issues on behalf
// of a Proxy. It is generous enough that a healthy, merely busy daemon
// never trips it, while still bounding how long a caller can be stuck
// behind a daemon that has wedged or exited without closing its
// listening socket.
const defaultTimeoutMillis = 5000

// ClientConnection is a client process's single connection to the
// daemon: one RPC socket, request/response serialised through a
// mutex so concurrent Proxies never interleave writes on it (§4.5,
// §5). Unlike the original's process-wide singleton, ClientConnection
// is an explicit, constructible type; [DefaultClientConnection]
// provides the lazily-initialised, replaceable default instance most
// callers want (§9 Design Notes).
type ClientConnection struct {
	mu       sync.Mutex
	conn     *transport.SeqpacketConn
	clientID uint32
	closed   bool
}

// Dial performs the handshake of §4.3 against socketPath: connect to
// the listening socket, create a seqpacket pair, hand one end to the
// daemon, and read back the assigned client_id. If SocketPathEnv is
// set, it overrides socketPath.
func Dial(socketPath string) (*ClientConnection, error) {
	if env := os.Getenv(SocketPathEnv); env != "" {
		socketPath = env
	}
	if socketPath == "" {
		return nil, fmt.Errorf("saftbus: no socket path given and %s is not set", SocketPathEnv)
	}

	listener, err := transport.DialListener(socketPath)
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	local, remote, err := transport.NewSeqpacketPair()
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	if err := transport.SendFile(listener, remote); err != nil {
		local.Close()
		return nil, fmt.Errorf("saftbus: sending rpc socket to daemon: %w", err)
	}

	conn := transport.NewSeqpacketConn(local)
	buf := make([]byte, 4)
	n, err := conn.ReadMessage(buf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("saftbus: reading assigned client id: %w", err)
	}
	id, err := wire.NewDeserializer(buf[:n]).GetUint32()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("saftbus: decoding assigned client id: %w", err)
	}

	return &ClientConnection{conn: conn, clientID: id}, nil
}

// ClientID returns the identity the daemon assigned this connection at
// handshake time.
func (c *ClientConnection) ClientID() uint32 { return c.clientID }

// Close closes the RPC socket. Further calls on this ClientConnection
// return [ErrClosed].
func (c *ClientConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// send writes buf, waiting up to timeoutMs for the socket to become
// writable. It mirrors the original ClientConnection::send: a poll
// immediately followed by a single write, never partial.
func (c *ClientConnection) send(buf []byte, timeoutMs int) error {
	revents, err := pollOne(c.conn.Fd(), unix.POLLOUT, timeoutMs)
	if err != nil {
		return fmt.Errorf("saftbus: polling rpc socket for write: %w", err)
	}
	if revents&unix.POLLOUT == 0 {
		return ErrTimeout
	}
	return c.conn.WriteMessage(buf)
}

// receive reads one message into buf, waiting up to timeoutMs for data
// to arrive.
func (c *ClientConnection) receive(buf []byte, timeoutMs int) (int, error) {
	revents, err := pollOne(c.conn.Fd(), unix.POLLIN, timeoutMs)
	if err != nil {
		return 0, fmt.Errorf("saftbus: polling rpc socket for read: %w", err)
	}
	if revents&unix.POLLIN == 0 {
		return 0, ErrTimeout
	}
	return c.conn.ReadMessage(buf)
}

// Call issues an RPC against identity and returns its reply. buildArgs
// may be nil for a method that takes no arguments.
func (c *ClientConnection) Call(identity uint32, interfaceNo, functionNo int, buildArgs func(*wire.Serializer)) (*wire.Deserializer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	req := wire.NewSerializer(64)
	req.PutUint32(identity)
	req.PutUint32(uint32(interfaceNo))
	req.PutUint32(uint32(functionNo))
	if buildArgs != nil {
		buildArgs(req)
	}
	if err := c.send(req.Bytes(), defaultTimeoutMillis); err != nil {
		return nil, err
	}

	buf := make([]byte, 64*1024)
	n, err := c.receive(buf, defaultTimeoutMillis)
	if err != nil {
		return nil, err
	}
	// §7: an unknown identity is not reported as a protocol error but
	// as a reply consisting of exactly one false boolean and nothing
	// else. Every ordinary method reply this package produces either
	// carries more fields or, when it genuinely is a lone boolean
	// (unregister_proxy), is decoded by a call site that
	// already knows that shape and never reaches this generic path; here
	// a bare one-byte false reply can only mean the identity targeted
	// by this Call does not exist.
	if n == 1 && buf[0] == 0 {
		return nil, &UnknownIdentityError{Identity: identity}
	}
	return wire.NewDeserializer(buf[:n]), nil
}

// registerProxy performs the Proxy-construction sequence of §4.5: it
// hands sigFile to the daemon as the signal socket to bind, then
// issues the bootstrap register_proxy call, all under the same lock
// so the two can never be interleaved with another goroutine's Proxy
// construction on the same ClientConnection — the daemon's
// pendingByClientID slot holds only the most recent hand-off per
// client, so this ordering matters (see DESIGN.md).
func (c *ClientConnection) registerProxy(path string, sigFile *os.File) (identity, clientID, signalGroupID uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, 0, 0, ErrClosed
	}

	if err := c.conn.SendRights(sigFile); err != nil {
		return 0, 0, 0, fmt.Errorf("saftbus: attaching signal socket: %w", err)
	}

	req := wire.NewSerializer(64)
	req.PutUint32(BootstrapIdentity)
	req.PutUint32(0)
	req.PutUint32(fnRegisterProxy)
	req.PutString(path)
	if err := c.send(req.Bytes(), defaultTimeoutMillis); err != nil {
		return 0, 0, 0, err
	}

	buf := make([]byte, 64)
	n, err := c.receive(buf, defaultTimeoutMillis)
	if err != nil {
		return 0, 0, 0, err
	}
	reply := wire.NewDeserializer(buf[:n])
	if identity, err = reply.GetUint32(); err != nil {
		return 0, 0, 0, err
	}
	if clientID, err = reply.GetUint32(); err != nil {
		return 0, 0, 0, err
	}
	if signalGroupID, err = reply.GetUint32(); err != nil {
		return 0, 0, 0, err
	}
	return identity, clientID, signalGroupID, nil
}

// unregisterProxy issues the bootstrap unregister_proxy call (§4.4,
// §4.5).
func (c *ClientConnection) unregisterProxy(identity, clientID, signalGroupID uint32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}

	req := wire.NewSerializer(32)
	req.PutUint32(BootstrapIdentity)
	req.PutUint32(0)
	req.PutUint32(fnUnregisterProxy)
	req.PutUint32(identity)
	req.PutUint32(clientID)
	req.PutUint32(signalGroupID)
	if err := c.send(req.Bytes(), defaultTimeoutMillis); err != nil {
		return false, err
	}

	buf := make([]byte, 16)
	n, err := c.receive(buf, defaultTimeoutMillis)
	if err != nil {
		return false, err
	}
	return wire.NewDeserializer(buf[:n]).GetBool()
}

var (
	defaultMu   sync.Mutex
	defaultConn *ClientConnection
)

// DefaultClientConnection returns the process-wide default
// ClientConnection, dialing it on first use from SocketPathEnv. Tests
// and unusual embeddings can install a different instance with
// [SetDefaultClientConnection] rather than being stuck with a hard
// singleton (§9 Design Notes).
func DefaultClientConnection() (*ClientConnection, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultConn != nil {
		return defaultConn, nil
	}
	conn, err := Dial("")
	if err != nil {
		return nil, err
	}
	defaultConn = conn
	return defaultConn, nil
}

// SetDefaultClientConnection installs conn as the instance future
// calls to [DefaultClientConnection] return.
func SetDefaultClientConnection(conn *ClientConnection) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultConn = conn
}
