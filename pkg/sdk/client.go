// Package sdk defines the key-value store contract crowdgate is written
// against and a client for the crowdgate daemon's TCP protocol.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/crowdgate/pkg/schema"
)

const defaultOpTimeout = 30 * time.Second

// ClientOptions configures Connect.
type ClientOptions struct {
	// TLS dials with TLS. The daemon uses a self-signed certificate, so the
	// peer is not verified.
	TLS         bool
	DialTimeout time.Duration
	// OpTimeout bounds a call whose context has no deadline.
	OpTimeout time.Duration
}

// Client is a remote Store served by the crowdgate daemon. Calls are
// serialized over one connection. A broken connection fails the call in
// flight and is dialled again on the next call; nothing is retried.
type Client struct {
	addr string
	opts ClientOptions

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

var _ Store = (*Client)(nil)

// Connect dials addr and returns a ready client.
func Connect(addr string, opts ClientOptions) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	c := &Client{addr: addr, opts: opts}
	if err := c.dial(); err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	return c, nil
}

// dial must be called with c.mu held (or before c is shared).
func (c *Client) dial() error {
	dialer := &net.Dialer{
		Timeout:   c.opts.DialTimeout,
		KeepAlive: 60 * time.Second,
	}
	var conn net.Conn
	var err error
	if c.opts.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, &tls.Config{InsecureSkipVerify: true})
	} else {
		conn, err = dialer.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// roundTrip sends one command and returns the JSON body of an OK reply.
func (c *Client) roundTrip(ctx context.Context, cmd string, req schema.StoreRequest) (string, error) {
	op := strings.ToLower(cmd)
	if err := ctx.Err(); err != nil {
		return "", &StoreError{Op: op, Table: req.Table, Err: err}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", &StoreError{Op: op, Table: req.Table, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.dial(); err != nil {
			return "", &StoreError{Op: op, Table: req.Table, Err: fmt.Errorf("reconnect: %w", err)}
		}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.OpTimeout)
	}
	c.conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(c.conn, "%s %s\n", cmd, payload); err != nil {
		c.drop()
		return "", &StoreError{Op: op, Table: req.Table, Err: err}
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.drop()
		return "", &StoreError{Op: op, Table: req.Table, Err: err}
	}
	return parseReply(strings.TrimSpace(line))
}

func parseReply(line string) (string, error) {
	switch {
	case line == "OK":
		return "", nil
	case strings.HasPrefix(line, "OK "):
		return strings.TrimPrefix(line, "OK "), nil
	case strings.HasPrefix(line, "ERR "):
		var f schema.StoreFailure
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "ERR ")), &f); err != nil {
			return "", fmt.Errorf("%s", strings.TrimPrefix(line, "ERR "))
		}
		return "", DecodeError(f)
	}
	return "", fmt.Errorf("unexpected reply %q", line)
}

func (c *Client) Query(ctx context.Context, table, index, keyName string, keyValue any, token string) (Page, error) {
	body, err := c.roundTrip(ctx, "QUERY", schema.StoreRequest{
		Table: table, Index: index, KeyName: keyName, KeyValue: keyValue, Token: token,
	})
	if err != nil {
		return Page{}, err
	}
	return decodePage("query", table, body)
}

func (c *Client) Scan(ctx context.Context, table, index, token string) (Page, error) {
	body, err := c.roundTrip(ctx, "SCAN", schema.StoreRequest{Table: table, Index: index, Token: token})
	if err != nil {
		return Page{}, err
	}
	return decodePage("scan", table, body)
}

func (c *Client) Put(ctx context.Context, table string, item Item) error {
	_, err := c.roundTrip(ctx, "PUT", schema.StoreRequest{Table: table, Item: item})
	return err
}

func (c *Client) Update(ctx context.Context, table string, key Key, sets map[string]any) error {
	_, err := c.roundTrip(ctx, "UPDATE", schema.StoreRequest{Table: table, Key: key, Sets: sets})
	return err
}

func (c *Client) Delete(ctx context.Context, table string, key Key) error {
	_, err := c.roundTrip(ctx, "DEL", schema.StoreRequest{Table: table, Key: key})
	return err
}

func (c *Client) DescribeTable(ctx context.Context, table string) (Schema, error) {
	body, err := c.roundTrip(ctx, "DESCRIBE", schema.StoreRequest{Table: table})
	if err != nil {
		return Schema{}, err
	}
	var s Schema
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return Schema{}, &StoreError{Op: "describe", Table: table, Err: err}
	}
	return s, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.dial(); err != nil {
			return &StoreError{Op: "ping", Err: err}
		}
	}
	if d, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(d)
	} else {
		c.conn.SetDeadline(time.Now().Add(c.opts.OpTimeout))
	}
	if _, err := fmt.Fprint(c.conn, "PING\n"); err != nil {
		c.drop()
		return &StoreError{Op: "ping", Err: err}
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.drop()
		return &StoreError{Op: "ping", Err: err}
	}
	if strings.TrimSpace(line) != "PONG" {
		return &StoreError{Op: "ping", Err: fmt.Errorf("unexpected reply %q", strings.TrimSpace(line))}
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprint(c.conn, "QUIT\n")
	err := c.conn.Close()
	c.conn = nil
	return err
}

func decodePage(op, table, body string) (Page, error) {
	var p Page
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Page{}, &StoreError{Op: op, Table: table, Err: err}
	}
	return p, nil
}
