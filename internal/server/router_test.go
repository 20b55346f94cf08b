package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/celerix-dev/crowdgate/internal/engine"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/pkg/schema"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

var names = tables.Names{"acl", "data"}

func startRouter(t *testing.T) (*Router, string) {
	t.Helper()
	store := engine.NewMemStore(nil, nil)
	if err := tables.Provision(store, names); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	router := NewRouter(store, testr.New(t))
	go router.Listen("0")

	var port string
	for i := 0; i < 20; i++ {
		time.Sleep(25 * time.Millisecond)
		if addr := router.Addr(); addr != nil {
			port = fmt.Sprintf("%d", addr.(*net.TCPAddr).Port)
			break
		}
	}
	if port == "" {
		t.Fatalf("Server did not start in time")
	}
	t.Cleanup(func() { router.Stop() })
	return router, port
}

type session struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, port string) *session {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &session{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (s *session) send(cmd string, req *schema.StoreRequest) string {
	s.t.Helper()
	line := cmd
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			s.t.Fatalf("marshal: %v", err)
		}
		line += " " + string(data)
	}
	fmt.Fprintf(s.conn, "%s\n", line)
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := s.reader.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read reply to %s: %v", cmd, err)
	}
	return strings.TrimSuffix(reply, "\n")
}

func decodeFailure(t *testing.T, reply string) schema.StoreFailure {
	t.Helper()
	if !strings.HasPrefix(reply, "ERR ") {
		t.Fatalf("Expected ERR, got %q", reply)
	}
	var f schema.StoreFailure
	if err := json.Unmarshal([]byte(strings.TrimPrefix(reply, "ERR ")), &f); err != nil {
		t.Fatalf("ERR body is not a failure: %v", err)
	}
	return f
}

func TestRouter_TCP_Commands(t *testing.T) {
	_, port := startRouter(t)
	s := dial(t, port)

	if got := s.send("PING", nil); got != "PONG" {
		t.Errorf("Expected PONG, got %q", got)
	}

	got := s.send("PUT", &schema.StoreRequest{Table: "acl", Item: sdk.Item{
		"identifier":  "W1",
		"unit_id":     "U1",
		"in_progress": "true",
	}})
	if got != "OK" {
		t.Fatalf("Expected OK, got %q", got)
	}

	got = s.send("QUERY", &schema.StoreRequest{Table: "acl", KeyName: "identifier", KeyValue: "W1"})
	if !strings.HasPrefix(got, "OK ") {
		t.Fatalf("Expected OK <page>, got %q", got)
	}
	var page sdk.Page
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK ")), &page); err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0]["unit_id"] != "U1" {
		t.Errorf("Expected W1 on U1, got %v", page.Items)
	}

	got = s.send("UPDATE", &schema.StoreRequest{
		Table: "acl",
		Key:   sdk.Key{"identifier": "W1"},
		Sets:  map[string]any{"in_progress": "false"},
	})
	if got != "OK" {
		t.Fatalf("Expected OK, got %q", got)
	}

	got = s.send("SCAN", &schema.StoreRequest{Table: "acl"})
	if !strings.Contains(got, `"in_progress":"false"`) {
		t.Errorf("Expected updated row in scan, got %q", got)
	}

	got = s.send("DESCRIBE", &schema.StoreRequest{Table: "data"})
	var sch sdk.Schema
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK ")), &sch); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if sch.PartitionKey != "identifier" || sch.SortKey != "sequence" {
		t.Errorf("Unexpected schema %+v", sch)
	}

	if got := s.send("DEL", &schema.StoreRequest{Table: "acl", Key: sdk.Key{"identifier": "W1"}}); got != "OK" {
		t.Errorf("Expected OK, got %q", got)
	}
	got = s.send("QUERY", &schema.StoreRequest{Table: "acl", KeyName: "identifier", KeyValue: "W1"})
	if got != `OK {"items":[]}` && got != `OK {"items":null}` {
		t.Errorf("Expected empty page after DEL, got %q", got)
	}
}

func TestRouter_Errors(t *testing.T) {
	_, port := startRouter(t)
	s := dial(t, port)

	f := decodeFailure(t, s.send("QUERY", &schema.StoreRequest{Table: "nope", KeyName: "identifier", KeyValue: "W1"}))
	if f.Kind != sdk.FailureStore || !f.Missing || f.Table != "nope" {
		t.Errorf("Expected missing-table failure, got %+v", f)
	}

	f = decodeFailure(t, s.send("PUT", &schema.StoreRequest{Table: "data", Item: sdk.Item{"identifier": "W1"}}))
	if f.Kind == sdk.FailureRequest {
		t.Errorf("Expected a typed failure for a keyless item, got %+v", f)
	}

	f = decodeFailure(t, s.send("FROB", &schema.StoreRequest{Table: "acl"}))
	if f.Kind != sdk.FailureRequest || !strings.Contains(f.Message, "unknown command") {
		t.Errorf("Unexpected failure %+v", f)
	}

	f = decodeFailure(t, s.send("SCAN", &schema.StoreRequest{}))
	if !strings.Contains(f.Message, "needs a table") {
		t.Errorf("Unexpected failure %+v", f)
	}
}

func TestRouter_MalformedCommands(t *testing.T) {
	_, port := startRouter(t)
	s := dial(t, port)

	fmt.Fprintf(s.conn, "PUT {invalid}\n")
	fmt.Fprintf(s.conn, "QUERY\n")
	fmt.Fprintf(s.conn, "PING\n")

	var replies []string
	for i := 0; i < 3; i++ {
		s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		replies = append(replies, strings.TrimSuffix(line, "\n"))
	}
	if !strings.HasPrefix(replies[0], "ERR ") || !strings.HasPrefix(replies[1], "ERR ") {
		t.Errorf("Expected two ERR replies, got %q", replies[:2])
	}
	if replies[2] != "PONG" {
		t.Errorf("Expected PONG after errors, got %q", replies[2])
	}
}

func TestRouter_QuitClosesConnection(t *testing.T) {
	_, port := startRouter(t)
	s := dial(t, port)

	fmt.Fprintf(s.conn, "QUIT\n")
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := s.reader.ReadString('\n'); err == nil {
		t.Error("Expected the connection to be closed after QUIT")
	}
}

func TestRouter_ConcurrentConnections(t *testing.T) {
	_, port := startRouter(t)

	conns := make([]net.Conn, 0)
	for i := 0; i < 110; i++ {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, 100*time.Millisecond)
		if err == nil {
			conns = append(conns, conn)
		}
	}
	for _, c := range conns {
		c.Close()
	}

	s := dial(t, port)
	if got := s.send("PING", nil); got != "PONG" {
		t.Errorf("Expected PONG after connection burst, got %q", got)
	}
}

func TestRouter_StopEndsListen(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	router := NewRouter(store, testr.New(t))

	done := make(chan error, 1)
	go func() { done <- router.Listen("0") }()
	for i := 0; i < 20 && router.Addr() == nil; i++ {
		time.Sleep(25 * time.Millisecond)
	}
	if err := router.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen returned %v after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Stop")
	}
}
