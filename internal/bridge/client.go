package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a surface-side connection to the daemon socket, used by the
// CLI. One request is in flight at a time.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *json.Encoder
}

// Dial connects to the daemon and performs the surface hello.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", socketPath, err)
	}
	c := &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		enc:  json.NewEncoder(conn),
	}
	if err := c.enc.Encode(Frame{Type: TypeHello, Role: RoleSurface}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Request sends one frame and waits for the matching reply, skipping
// any status broadcasts that arrive in between.
func (c *Client) Request(f Frame) (Frame, error) {
	if err := c.enc.Encode(f); err != nil {
		return Frame{}, err
	}
	for {
		c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			return Frame{}, err
		}
		var reply Frame
		if err := json.Unmarshal(line, &reply); err != nil {
			return Frame{}, err
		}
		switch reply.Type {
		case TypeSnapshot:
			continue
		case TypeError:
			return reply, fmt.Errorf("%s", reply.Error)
		default:
			return reply, nil
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
