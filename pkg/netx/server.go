package netx

import (
	"errors"
	"net"
	"os"
	"strings"
	"sync"

	"tickrelay/pkg/exception"
)

const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

var (
	// ErrNilServer is returned when a nil server receiver is used.
	ErrNilServer = errors.New("netx: nil server")
	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("netx: already listening")
	// ErrNotListening is returned when Accept is called before Listen.
	ErrNotListening = errors.New("netx: not listening")
	// ErrPathNotSocket is returned when the existing unix path is not a socket.
	ErrPathNotSocket = errors.New("netx: path exists and is not a socket")
)

// Server listens for stream connections on a tcp address or a unix socket path.
type Server struct {
	network string
	address string

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a server for the provided network and address.
// An address of the form "unix:///path" or "tcp://host:port" overrides network.
func NewServer(network, address string) (*Server, error) {
	network, address = SplitAddress(network, address)
	if address == "" {
		return nil, exception.ErrEmptyAddress
	}
	if network != NetworkTCP && network != NetworkUnix {
		return nil, exception.ErrUnsupportedNetwork
	}
	return &Server{network: network, address: address}, nil
}

// Network returns the configured network.
func (s *Server) Network() string {
	if s == nil {
		return ""
	}
	return s.network
}

// Addr returns the bound address once listening, otherwise nil.
func (s *Server) Addr() net.Addr {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen starts listening. For unix sockets a stale socket file is removed first.
func (s *Server) Listen() error {
	if s == nil {
		return ErrNilServer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyListening
	}
	if s.network == NetworkUnix {
		if err := RemoveIfExists(s.address); err != nil {
			return err
		}
	}
	ln, err := net.Listen(s.network, s.address)
	if err != nil {
		return err
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	s.ln = ln
	return nil
}

// Accept waits for the next incoming connection.
func (s *Server) Accept() (net.Conn, error) {
	if s == nil {
		return nil, ErrNilServer
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil, ErrNotListening
	}
	return ln.Accept()
}

// Close stops the listener.
func (s *Server) Close() error {
	if s == nil {
		return ErrNilServer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// RemoveIfExists removes the socket file if it exists.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptyAddress
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return ErrPathNotSocket
	}
	return os.Remove(path)
}

// SplitAddress resolves a scheme-prefixed address into network and address.
func SplitAddress(network, address string) (string, string) {
	address = strings.TrimSpace(address)
	switch {
	case strings.HasPrefix(address, "unix://"):
		return NetworkUnix, strings.TrimPrefix(address, "unix://")
	case strings.HasPrefix(address, "tcp://"):
		return NetworkTCP, strings.TrimPrefix(address, "tcp://")
	}
	network = strings.ToLower(strings.TrimSpace(network))
	if network == "" {
		network = NetworkTCP
	}
	return network, address
}
