package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"smt-cosched/internal/errkind"
)

// Client talks to a running daemon's control endpoint.
type Client struct {
	conn net.Conn
}

func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(cmd uint32, payload ...int32) error {
	buf := make([]byte, 4+4*len(payload))
	binary.LittleEndian.PutUint32(buf, cmd)
	for i, v := range payload {
		binary.LittleEndian.PutUint32(buf[4+i*4:], uint32(v))
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	var resp [4]byte
	if _, err := io.ReadFull(c.conn, resp[:]); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return errkind.FromCode(int32(binary.LittleEndian.Uint32(resp[:])))
}

func (c *Client) ResetCounters() error {
	return c.call(CmdResetCounters)
}

func (c *Client) AddPgid(pgid, jobid, workerNum int32) error {
	return c.call(CmdAddPgid, pgid, jobid, workerNum)
}

func (c *Client) RemovePgid(pgid int32) error {
	return c.call(CmdRemovePgid, pgid)
}

func (c *Client) SetThreshold(seconds int32) error {
	return c.call(CmdSetThreshold, seconds)
}

func (c *Client) SetAgentEndpoint(id int32) error {
	return c.call(CmdSetAgentEndpoint, id)
}

func (c *Client) RequestProfile(pid int32) error {
	return c.call(CmdRequestProfile, pid)
}
