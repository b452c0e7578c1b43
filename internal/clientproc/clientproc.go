// Package clientproc implements the client binary's side of the wire
// protocol and its interactive menu (1 submit, 2 query, 3 quit), per the
// CLI surface in spec.md §6.
package clientproc

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
)

// Client holds one authenticated connection to the orchestrator's client
// port.
type Client struct {
	conn   net.Conn
	logger *zap.Logger
	token  string
}

// Dial connects to addr. The connection is not authenticated until
// Authenticate succeeds.
func Dial(addr string, logger *zap.Logger) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("clientproc: dial: %w", err)
	}
	return &Client{conn: conn, logger: logger.Named("client")}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Authenticate sends AUTHENTICATE and waits for AUTH_OK/AUTH_FAIL. On
// success the returned token is stored and used on every subsequent
// message.
func (c *Client) Authenticate(username, password string) error {
	if err := wire.Encode(c.conn, wire.Envelope{
		Kind:    wire.KindAuthenticate,
		Payload: wire.CredentialsValue(wire.Credentials{Username: username, Password: password}),
	}); err != nil {
		return fmt.Errorf("clientproc: sending AUTHENTICATE: %w", err)
	}

	env, err := wire.Decode(c.conn)
	if err != nil {
		return fmt.Errorf("clientproc: reading auth reply: %w", err)
	}
	if env.Kind != wire.KindAuthOK {
		return fmt.Errorf("clientproc: authentication rejected")
	}
	token, err := wire.ValueToString(env.Payload)
	if err != nil {
		return fmt.Errorf("clientproc: malformed AUTH_OK payload: %w", err)
	}
	c.token = token
	return nil
}

// SubmitTask sends SUBMIT_TASK and returns the accepted task id.
func (c *Client) SubmitTask(id, payload string) (string, error) {
	if err := wire.Encode(c.conn, wire.Envelope{
		Kind:    wire.KindSubmitTask,
		Token:   c.token,
		Payload: wire.TaskValue(task.Task{ID: id, Payload: payload}),
	}); err != nil {
		return "", fmt.Errorf("clientproc: sending SUBMIT_TASK: %w", err)
	}

	env, err := wire.Decode(c.conn)
	if err != nil {
		return "", fmt.Errorf("clientproc: reading submit reply: %w", err)
	}
	if env.Kind != wire.KindTaskAccepted {
		return "", fmt.Errorf("clientproc: unexpected reply kind %s to SUBMIT_TASK", env.Kind)
	}
	return wire.ValueToString(env.Payload)
}

// QueryStatus sends QUERY_STATUS and returns the task, or false if the
// orchestrator has no record of it.
func (c *Client) QueryStatus(id string) (task.Task, bool, error) {
	if err := wire.Encode(c.conn, wire.Envelope{
		Kind:    wire.KindQueryStatus,
		Token:   c.token,
		Payload: wire.StringValue(id),
	}); err != nil {
		return task.Task{}, false, fmt.Errorf("clientproc: sending QUERY_STATUS: %w", err)
	}

	env, err := wire.Decode(c.conn)
	if err != nil {
		return task.Task{}, false, fmt.Errorf("clientproc: reading query reply: %w", err)
	}
	if env.Kind != wire.KindStatusReply {
		return task.Task{}, false, fmt.Errorf("clientproc: unexpected reply kind %s to QUERY_STATUS", env.Kind)
	}
	t, err := wire.ValueToTask(env.Payload)
	if err != nil {
		return task.Task{}, false, nil
	}
	return t, true, nil
}

// RunInteractive drives the "1 submit, 2 query, 3 quit" menu over in/out
// until the user quits or in is exhausted.
func RunInteractive(c *Client, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n1) submit task  2) query status  3) quit\n> ")
		if !scanner.Scan() {
			return
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "1":
			fmt.Fprint(out, "task id: ")
			if !scanner.Scan() {
				return
			}
			id := strings.TrimSpace(scanner.Text())
			fmt.Fprint(out, "payload: ")
			if !scanner.Scan() {
				return
			}
			payload := strings.TrimSpace(scanner.Text())

			accepted, err := c.SubmitTask(id, payload)
			if err != nil {
				fmt.Fprintf(out, "submit failed: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "accepted: %s\n", accepted)

		case "2":
			fmt.Fprint(out, "task id: ")
			if !scanner.Scan() {
				return
			}
			id := strings.TrimSpace(scanner.Text())

			t, found, err := c.QueryStatus(id)
			if err != nil {
				fmt.Fprintf(out, "query failed: %v\n", err)
				continue
			}
			if !found {
				fmt.Fprintln(out, "no such task")
				continue
			}
			fmt.Fprintf(out, "status=%s worker=%q lamport=%d\n", t.Status, t.WorkerID, t.Lamport)

		case "3":
			return

		default:
			fmt.Fprintln(out, "unrecognized choice")
		}
	}
}
