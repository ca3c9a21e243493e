// Package transport implements the Unix-domain socket plumbing
// saftbus uses to move messages and, occasionally, file descriptors
// between a client process and the daemon.
//
// Three socket shapes are in play (§4.3 and §6 of the design): the
// daemon's well-known SOCK_DGRAM listening socket, used only to
// receive fd hand-offs; and per-client SOCK_SEQPACKET sockets (one
// RPC socket, plus one signal socket per SignalGroup the client has
// attached), created as anonymous pairs. The far end of the RPC socket
// is handed to the daemon over the listening socket; the far end of
// each signal socket is handed over the already-established RPC
// socket (see [SeqpacketConn.SendRights]).
//
// The fd hand-off itself is adapted from the ancillary-data handling
// in the reference transport package this repo is built from, which
// parses SCM_RIGHTS control messages off a *net.UnixConn to receive
// files passed by a peer.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ListenDatagram opens the daemon's listening socket at path.
//
// Per §6, path must be an absolute, non-empty path; ListenDatagram
// also fails fast if the parent directory does not exist or is not
// writable, rather than leaving that discovery to the first failed
// client handshake.
func ListenDatagram(path string) (*net.UnixConn, error) {
	if path == "" {
		return nil, errors.New("saftbus: socket path is empty")
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("saftbus: socket path %q is not absolute", path)
	}
	dir := filepath.Dir(path)
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return nil, fmt.Errorf("saftbus: socket directory %q is not writable: %w", dir, err)
	}

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("saftbus: listening on %q: %w", path, err)
	}
	return conn, nil
}

// DialListener connects to the daemon's listening socket at path, as
// a client beginning the handshake of §4.3.
func DialListener(path string) (*net.UnixConn, error) {
	if path == "" {
		return nil, errors.New("saftbus: socket path is empty")
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("saftbus: socket path %q is not absolute", path)
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("saftbus: connecting to %q: %w", path, err)
	}
	return conn, nil
}

// NewSeqpacketPair creates an anonymous SOCK_SEQPACKET socket pair.
// The caller keeps local and hands remote to the peer, typically via
// [SendFile].
func NewSeqpacketPair() (local, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("saftbus: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "saftbus-seqpacket"),
		os.NewFile(uintptr(fds[1]), "saftbus-seqpacket"), nil
}

// SendFile hands f to whatever is listening on conn, as SCM_RIGHTS
// ancillary data on a one-byte marker datagram. The accompanying byte
// carries no meaning of its own; some payload is required because an
// all-ancillary, zero-length datagram is rejected by some kernels.
func SendFile(conn *net.UnixConn, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	// conn is a connected SOCK_DGRAM socket, on which the net package
	// refuses WriteMsgUnix; send on the raw descriptor instead.
	rc, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("saftbus: sending file descriptor: %w", err)
	}
	var n int
	var sendErr error
	if err := rc.Write(func(fd uintptr) bool {
		n, sendErr = unix.SendmsgN(int(fd), []byte{0}, rights, nil, 0)
		return sendErr != unix.EAGAIN
	}); err != nil {
		return fmt.Errorf("saftbus: sending file descriptor: %w", err)
	}
	if sendErr != nil {
		return fmt.Errorf("saftbus: sending file descriptor: %w", sendErr)
	}
	if n != 1 {
		return errors.New("saftbus: short write while sending file descriptor")
	}
	return nil
}

// ReceiveFile reads one datagram off conn and extracts exactly one
// file descriptor from its ancillary data.
func ReceiveFile(conn *net.UnixConn) (*os.File, error) {
	buf := make([]byte, 64)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("saftbus: receiving file descriptor: %w", err)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return nil, errors.New("saftbus: control message truncated while receiving file descriptor")
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("saftbus: parsing control message: %w", err)
	}
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, fmt.Errorf("saftbus: parsing unix rights: %w", err)
		}
		if len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		return os.NewFile(uintptr(fds[0]), "saftbus-received"), nil
	}
	return nil, errors.New("saftbus: no file descriptor in received message")
}

// SeqpacketConn wraps one end of a SOCK_SEQPACKET pair for whole-
// message reads and writes, matching saftbus's one-message-per-
// datagram wire discipline (§4.2). It is built directly on the raw
// file rather than a *net.UnixConn, because both halves of a
// socketpair(2) pair already have an established peer and need no
// dialing or listening machinery — only read/write/close and the
// underlying fd for polling.
type SeqpacketConn struct {
	f *os.File
}

// NewSeqpacketConn wraps f, which must be one end of a SOCK_SEQPACKET
// pair (e.g. as returned by [NewSeqpacketPair] or [ReceiveFile]).
func NewSeqpacketConn(f *os.File) *SeqpacketConn {
	return &SeqpacketConn{f: f}
}

// Fd returns the underlying file descriptor, for use with the loop
// package's IoSource.
func (c *SeqpacketConn) Fd() int {
	return int(c.f.Fd())
}

// ReadMessage reads exactly one message into buf. Because the
// underlying socket is SOCK_SEQPACKET, a too-small buf truncates
// rather than merging with the next message; callers should size buf
// generously (saftbus messages are small control/telemetry payloads,
// not bulk data).
func (c *SeqpacketConn) ReadMessage(buf []byte) (int, error) {
	return c.f.Read(buf)
}

// SendRights hands f to the peer of this connection as SCM_RIGHTS
// ancillary data on a one-byte marker datagram, the same way SendFile
// does for the listening socket. It is used to attach an additional
// signal socket to an already-established RPC connection (§4.5): the
// original hand-off only carries the client's first fd over the
// shared listening socket, because there is no client yet to address
// it to; every later fd the client hands over goes out on its own
// already-identified RPC socket instead, so the daemon never has to
// guess which client an anonymous datagram came from.
func (c *SeqpacketConn) SendRights(f *os.File) error {
	fd := int(c.f.Fd())
	rights := unix.UnixRights(int(f.Fd()))
	return unix.Sendmsg(fd, []byte{0}, rights, nil, 0)
}

// ReadMessageOrRights reads one datagram off the connection. If it
// carries SCM_RIGHTS ancillary data, the first file descriptor found
// is returned and n/err describe the accompanying (typically
// meaningless) marker payload; otherwise fd is nil and buf[:n] is a
// normal message as from ReadMessage.
func (c *SeqpacketConn) ReadMessageOrRights(buf []byte) (n int, fd *os.File, err error) {
	oob := make([]byte, unix.CmsgSpace(4))
	rawFd := int(c.f.Fd())

	n, oobn, flags, _, err := unix.Recvmsg(rawFd, buf, oob, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("saftbus: reading message: %w", err)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, nil, errors.New("saftbus: control message truncated while reading message")
	}
	if oobn == 0 {
		return n, nil, nil
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, fmt.Errorf("saftbus: parsing control message: %w", err)
	}
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return 0, nil, fmt.Errorf("saftbus: parsing unix rights: %w", err)
		}
		if len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		return n, os.NewFile(uintptr(fds[0]), "saftbus-received"), nil
	}
	return n, nil, nil
}

// WriteMessage writes buf as a single datagram.
func (c *SeqpacketConn) WriteMessage(buf []byte) error {
	_, err := c.f.Write(buf)
	return err
}

// ErrWouldBlock is returned by WriteMessageNonBlocking when the
// kernel's socket buffer is full, i.e. the peer is not draining its
// signal socket quickly enough (§4.4, §7, S6).
var ErrWouldBlock = errors.New("saftbus: write would block")

// WriteMessageNonBlocking writes buf as a single datagram, failing
// with ErrWouldBlock instead of waiting if the socket buffer has no
// room. It is used only for signal delivery (§4.4): a slow consumer
// must never stall the daemon's single event loop, so this bypasses
// Go's runtime poller (which would otherwise retry the write for us)
// and issues one raw non-blocking write(2) via the underlying fd.
func (c *SeqpacketConn) WriteMessageNonBlocking(buf []byte) error {
	fd := int(c.f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("saftbus: setting socket non-blocking: %w", err)
	}
	defer unix.SetNonblock(fd, false)

	for {
		n, err := unix.Write(fd, buf)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return ErrWouldBlock
		case err == unix.EINTR:
			continue
		case err != nil:
			return fmt.Errorf("saftbus: non-blocking write: %w", err)
		case n != len(buf):
			return errors.New("saftbus: short write while sending signal")
		default:
			return nil
		}
	}
}

// Close closes the underlying file descriptor.
func (c *SeqpacketConn) Close() error {
	return c.f.Close()
}
