package netx

import (
	"context"
	"net"
	"time"

	"tickrelay/pkg/exception"
)

const defaultDialTimeout = 5 * time.Second

// Client dials a collector endpoint.
type Client struct {
	network string
	address string
	dialer  net.Dialer
}

// NewClient creates a client for the provided network and address.
func NewClient(network, address string) (*Client, error) {
	network, address = SplitAddress(network, address)
	if address == "" {
		return nil, exception.ErrEmptyAddress
	}
	if network != NetworkTCP && network != NetworkUnix {
		return nil, exception.ErrUnsupportedNetwork
	}
	return &Client{
		network: network,
		address: address,
		dialer:  net.Dialer{Timeout: defaultDialTimeout},
	}, nil
}

// Address returns the configured address.
func (c *Client) Address() string {
	if c == nil {
		return ""
	}
	return c.address
}

// Dial opens a connection, honoring ctx cancellation.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	if c == nil {
		return nil, exception.ErrNilClient
	}
	return c.dialer.DialContext(ctx, c.network, c.address)
}

// WriteFull writes buf completely or returns the first error.
func WriteFull(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
