package netx

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tickrelay/pkg/exception"
)

func TestNewClientEmptyAddress(t *testing.T) {
	if _, err := NewClient(NetworkTCP, ""); err != exception.ErrEmptyAddress {
		t.Fatalf("expected ErrEmptyAddress, got %v", err)
	}
}

func TestNewServerRejectsUnknownNetwork(t *testing.T) {
	if _, err := NewServer("udp", "127.0.0.1:0"); err != exception.ErrUnsupportedNetwork {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
}

func TestSplitAddress(t *testing.T) {
	cases := []struct {
		network, address string
		wantNet, wantAdr string
	}{
		{"", "unix:///tmp/a.sock", NetworkUnix, "/tmp/a.sock"},
		{"unix", "tcp://127.0.0.1:9", NetworkTCP, "127.0.0.1:9"},
		{"", "127.0.0.1:9", NetworkTCP, "127.0.0.1:9"},
		{"UNIX", "/tmp/b.sock", NetworkUnix, "/tmp/b.sock"},
	}
	for _, tc := range cases {
		n, a := SplitAddress(tc.network, tc.address)
		if n != tc.wantNet || a != tc.wantAdr {
			t.Fatalf("SplitAddress(%q, %q) = %q, %q", tc.network, tc.address, n, a)
		}
	}
}

func TestRemoveIfExistsRejectsNonSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-socket")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := RemoveIfExists(path); err != ErrPathNotSocket {
		t.Fatalf("expected ErrPathNotSocket, got %v", err)
	}
}

func TestUnixServerDialAccept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.sock")
	server := listen(t, NetworkUnix, path)

	dialAndAccept(t, server, NetworkUnix, path)

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected socket path removed, got %v", err)
	}
}

func TestTCPServerDialAccept(t *testing.T) {
	server := listen(t, NetworkTCP, "127.0.0.1:0")
	defer server.Close()

	dialAndAccept(t, server, NetworkTCP, server.Addr().String())
}

func listen(t *testing.T, network, address string) *Server {
	t.Helper()
	server, err := NewServer(network, address)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := server.Listen(); err != ErrAlreadyListening {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
	return server
}

func dialAndAccept(t *testing.T, server *Server, network, address string) {
	t.Helper()
	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := server.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- conn
	}()

	client, err := NewClient(network, address)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	conn, err := client.Dial(t.Context())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()

	select {
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	case serverConn := <-acceptCh:
		if err := WriteFull(conn, []byte("ping")); err != nil {
			t.Fatalf("write: %v", err)
		}
		buf := make([]byte, 4)
		if _, err := serverConn.Read(buf); err != nil || string(buf) != "ping" {
			t.Fatalf("read: %q %v", buf, err)
		}
		serverConn.Close()
	case <-timer.C:
		t.Fatal("timeout waiting for accept")
	}
}
