package protocol

import (
	"bufio"
	"context"
	"fmt"
	"net"
)

// Conn is an environment's connection to a learner.
// Not safe for concurrent use.
type Conn struct {
	conn  net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
	envID int32
}

// Dial connects to a learner for environment envID.
func Dial(ctx context.Context, addr string, envID int32) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to learner at %s: %w", addr, err)
	}
	return &Conn{
		conn:  conn,
		r:     bufio.NewReader(conn),
		w:     bufio.NewWriter(conn),
		envID: envID,
	}, nil
}

// Step sends one step and waits for the chosen action.
func (c *Conn) Step(obs []byte, reward float32, done bool) (int32, error) {
	if err := WriteStep(c.w, Step{EnvID: c.envID, Reward: reward, Done: done, Observation: obs}); err != nil {
		return 0, err
	}
	if err := c.w.Flush(); err != nil {
		return 0, err
	}
	return ReadAction(c.r)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
