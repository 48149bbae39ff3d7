package uds

import (
	"fmt"
	"net"
	"time"
)

// Client performs one request/response exchange per connection against the
// daemon socket. The zero timeout is never used; NewClient picks a default
// generous enough for an export of a large behavior store.
type Client struct {
	socket  string
	timeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socket:  socketPath,
		timeout: 30 * time.Second,
	}
}

// SetTimeout bounds the whole exchange: dial, send and receive together.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand marshals params, sends the command and waits for the reply.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Send performs one exchange. A dial failure almost always means the
// daemon is not running, so the error says how to start it.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socket, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: sibyl daemon",
			c.socket, err,
		)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}
