// Package server exposes a store over a line-oriented TCP protocol so that
// several processes can share one embedded engine.
//
// Each request is one line, "CMD <json>", where the JSON is a
// schema.StoreRequest. Replies are "OK <json>", "OK" for writes, or
// "ERR <json>" carrying a schema.StoreFailure.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/celerix-dev/crowdgate/pkg/schema"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

const (
	maxConnections = 100
	idleTimeout    = 30 * time.Second
	opTimeout      = 30 * time.Second
	// Items travel inline, so lines may be long.
	maxLine = 4 << 20
)

type Router struct {
	store sdk.Store
	cert  *tls.Certificate
	log   logr.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewRouter(s sdk.Store, log logr.Logger) *Router {
	return &Router{store: s, log: log.WithName("tcp")}
}

// SetCertificate enables TLS on the listener.
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Addr returns the bound address once Listen has started, nil before.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen serves until Stop is called. It returns nil after Stop.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error
	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.log.Info("listening", "addr", listener.Addr().String(), "tls", r.cert != nil)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()

	semaphore := make(chan struct{}, maxConnections)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.V(1).Info("accept failed", "error", err.Error())
			continue
		}
		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Stop closes the listener. Open connections end at their next idle timeout.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// HandleConnection serves one client until it quits, goes idle, or breaks
// the connection.
func (r *Router) HandleConnection(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	w := bufio.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, payload, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)
		if cmd == "QUIT" {
			return
		}

		reply := r.dispatch(cmd, payload)
		if _, err := io.WriteString(w, reply+"\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (r *Router) dispatch(cmd, payload string) string {
	if cmd == "PING" {
		return "PONG"
	}

	var req schema.StoreRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return fail(sdk.EncodeError(fmt.Errorf("invalid json payload for %s", cmd)))
	}
	if req.Table == "" {
		return fail(sdk.EncodeError(fmt.Errorf("%s needs a table", cmd)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ctx = logr.NewContext(ctx, r.log.WithValues("cmd", cmd, "table", req.Table))

	switch cmd {
	case "QUERY":
		page, err := r.store.Query(ctx, req.Table, req.Index, req.KeyName, req.KeyValue, req.Token)
		return reply(page, err)
	case "SCAN":
		page, err := r.store.Scan(ctx, req.Table, req.Index, req.Token)
		return reply(page, err)
	case "PUT":
		return reply(nil, r.store.Put(ctx, req.Table, req.Item))
	case "UPDATE":
		return reply(nil, r.store.Update(ctx, req.Table, req.Key, req.Sets))
	case "DEL":
		return reply(nil, r.store.Delete(ctx, req.Table, req.Key))
	case "DESCRIBE":
		s, err := r.store.DescribeTable(ctx, req.Table)
		return reply(s, err)
	}
	return fail(sdk.EncodeError(fmt.Errorf("unknown command %s", cmd)))
}

func reply(v any, err error) string {
	if err != nil {
		return fail(sdk.EncodeError(err))
	}
	if v == nil {
		return "OK"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fail(sdk.EncodeError(fmt.Errorf("encode reply: %w", err)))
	}
	return "OK " + string(data)
}

func fail(f schema.StoreFailure) string {
	data, err := json.Marshal(f)
	if err != nil {
		return `ERR {"kind":"request","message":"internal error"}`
	}
	return "ERR " + string(data)
}
