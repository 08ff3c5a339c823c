package controller

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/ccvpn-oss/ccvpn/ccerr"
)

// Client is the IPC client half of Server, used by ccvpnctl (and any
// GUI front end) to talk to a running ccvpnd over the same Unix-domain
// socket and length-prefixed JSON framing. One background goroutine
// owns the connection's read side so a blocking Send (e.g. connect,
// which the daemon doesn't reply to until the attempt finishes) can
// run concurrently with notification pushes arriving on the same
// connection.
type Client struct {
	conn net.Conn
	w    *bufio.Writer

	mu      sync.Mutex
	pending map[string]chan Reply
	notifCh chan Notification
	closed  chan struct{}
}

// Dial connects to a running ccvpnd's IPC socket and starts its read
// loop.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, ccerr.Net("ipc_dial_failed", "dial ccvpnd IPC socket", err)
	}
	c := &Client{
		conn:    conn,
		w:       bufio.NewWriter(conn),
		pending: make(map[string]chan Reply),
		notifCh: make(chan Notification, 16),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	defer close(c.closed)
	defer close(c.notifCh)
	for {
		body, err := readFrame(r)
		if err != nil {
			c.mu.Lock()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		var reply Reply
		if err := json.Unmarshal(body, &reply); err != nil {
			continue
		}
		if reply.Kind == ReplyNotification {
			if reply.Notification != nil {
				select {
				case c.notifCh <- *reply.Notification:
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		if ok {
			delete(c.pending, reply.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

// Send issues one command and waits for its correlated reply. It is
// safe to call concurrently with Notifications and with other Send
// calls from different goroutines.
func (c *Client) Send(cmd Command) (Reply, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	c.mu.Lock()
	err := writeFrame(c.w, cmd)
	if err == nil {
		err = c.w.Flush()
	}
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return Reply{}, ccerr.Net("ipc_send_failed", "send IPC command", err)
	}

	reply, ok := <-ch
	if !ok {
		return Reply{}, ccerr.Net("ipc_recv_failed", "IPC connection closed before reply", nil)
	}
	return reply, nil
}

// Notifications returns the channel of unsolicited notification
// pushes (state changes, challenge/SSO prompts, the terminal connected
// or disconnected events); it closes when the connection does.
func (c *Client) Notifications() <-chan Notification {
	return c.notifCh
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
