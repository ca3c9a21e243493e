package transport_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gsi-hb/saftbus/transport"
)

func TestListenDatagramRejectsRelativePath(t *testing.T) {
	if _, err := transport.ListenDatagram("relative.sock"); err == nil {
		t.Fatal("ListenDatagram accepted a relative path")
	}
	if _, err := transport.ListenDatagram(""); err == nil {
		t.Fatal("ListenDatagram accepted an empty path")
	}
}

func TestSeqpacketPairRoundTrip(t *testing.T) {
	local, remote, err := transport.NewSeqpacketPair()
	if err != nil {
		t.Fatalf("NewSeqpacketPair: %v", err)
	}
	a := transport.NewSeqpacketConn(local)
	b := transport.NewSeqpacketConn(remote)
	defer a.Close()
	defer b.Close()

	want := []byte("register_proxy")
	if err := a.WriteMessage(want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	buf := make([]byte, 256)
	n, err := b.ReadMessage(buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("ReadMessage = %q, want %q", buf[:n], want)
	}
}

func TestSendReceiveFile(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "listener.sock")
	ln, err := transport.ListenDatagram(sockPath)
	if err != nil {
		t.Fatalf("ListenDatagram: %v", err)
	}
	defer ln.Close()

	client, err := transport.DialListener(sockPath)
	if err != nil {
		t.Fatalf("DialListener: %v", err)
	}
	defer client.Close()

	local, remote, err := transport.NewSeqpacketPair()
	if err != nil {
		t.Fatalf("NewSeqpacketPair: %v", err)
	}
	defer local.Close()

	if err := transport.SendFile(client, remote); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	remote.Close()

	got, err := transport.ReceiveFile(ln)
	if err != nil {
		t.Fatalf("ReceiveFile: %v", err)
	}
	defer got.Close()
	if got == nil {
		t.Fatal("no file descriptor received alongside the marker datagram")
	}
}

func TestSendRightsAndReadMessageOrRights(t *testing.T) {
	local, remote, err := transport.NewSeqpacketPair()
	if err != nil {
		t.Fatalf("NewSeqpacketPair: %v", err)
	}
	a := transport.NewSeqpacketConn(local)
	b := transport.NewSeqpacketConn(remote)
	defer a.Close()
	defer b.Close()

	extraLocal, extraRemote, err := transport.NewSeqpacketPair()
	if err != nil {
		t.Fatalf("NewSeqpacketPair for the attached fd: %v", err)
	}
	defer extraLocal.Close()

	if err := a.SendRights(extraRemote); err != nil {
		t.Fatalf("SendRights: %v", err)
	}
	extraRemote.Close()

	buf := make([]byte, 64)
	n, fd, err := b.ReadMessageOrRights(buf)
	if err != nil {
		t.Fatalf("ReadMessageOrRights: %v", err)
	}
	if fd == nil {
		t.Fatal("ReadMessageOrRights did not report an attached file descriptor")
	}
	defer fd.Close()
	_ = n

	// A normal message, with no ancillary data, reports fd == nil.
	if err := a.WriteMessage([]byte("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	n, fd, err = b.ReadMessageOrRights(buf)
	if err != nil {
		t.Fatalf("ReadMessageOrRights for a plain message: %v", err)
	}
	if fd != nil {
		t.Fatal("ReadMessageOrRights reported a file descriptor for a plain message")
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Fatalf("ReadMessageOrRights payload = %q, want %q", buf[:n], "hello")
	}
}

func TestWriteMessageNonBlockingReturnsErrWouldBlockWhenFull(t *testing.T) {
	local, remote, err := transport.NewSeqpacketPair()
	if err != nil {
		t.Fatalf("NewSeqpacketPair: %v", err)
	}
	a := transport.NewSeqpacketConn(local)
	defer a.Close()
	defer remote.Close()

	payload := bytes.Repeat([]byte("x"), 256)
	var blocked bool
	for i := 0; i < 10000; i++ {
		if err := a.WriteMessageNonBlocking(payload); err != nil {
			if err == transport.ErrWouldBlock {
				blocked = true
				break
			}
			t.Fatalf("WriteMessageNonBlocking: %v", err)
		}
	}
	if !blocked {
		t.Fatal("WriteMessageNonBlocking never reported ErrWouldBlock against an undrained peer")
	}
}
