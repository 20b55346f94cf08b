package sdk_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/crowdgate/internal/engine"
	"github.com/celerix-dev/crowdgate/internal/server"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/internal/vault"
	"github.com/celerix-dev/crowdgate/pkg/schema"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

func startServer(t *testing.T, opts ...func(*server.Router)) string {
	t.Helper()
	store := engine.NewMemStore(nil, nil)
	require.NoError(t, tables.Provision(store, tables.Names{"acl", "data"}))
	router := server.NewRouter(store, testr.New(t))
	for _, opt := range opts {
		opt(router)
	}
	go router.Listen("0")
	for i := 0; i < 20; i++ {
		time.Sleep(25 * time.Millisecond)
		if addr := router.Addr(); addr != nil {
			t.Cleanup(func() { router.Stop() })
			return fmt.Sprintf("127.0.0.1:%d", addr.(*net.TCPAddr).Port)
		}
	}
	t.Fatal("Server did not start in time")
	return ""
}

func TestClient_Integration(t *testing.T) {
	addr := startServer(t)
	client, err := sdk.Connect(addr, sdk.ClientOptions{})
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	require.NoError(t, client.Put(ctx, "acl", sdk.Item{"identifier": "W1", "unit_id": "U1", "in_progress": "true"}))
	require.NoError(t, client.Put(ctx, "acl", sdk.Item{"identifier": "W2", "unit_id": "U1", "in_progress": "true"}))

	page, err := client.Query(ctx, "acl", "unit_id-index", "unit_id", "U1", "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	require.NoError(t, client.Update(ctx, "acl", sdk.Key{"identifier": "W2"}, map[string]any{"in_progress": "false"}))
	page, err = client.Query(ctx, "acl", "", "identifier", "W2", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "false", page.Items[0]["in_progress"])

	page, err = client.Scan(ctx, "acl", "", "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	require.NoError(t, client.Delete(ctx, "acl", sdk.Key{"identifier": "W1"}))
	page, err = client.Scan(ctx, "acl", "", "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	s, err := client.DescribeTable(ctx, "data")
	require.NoError(t, err)
	assert.Equal(t, "identifier", s.PartitionKey)
	assert.Equal(t, "sequence", s.SortKey)
}

func TestClient_TLS(t *testing.T) {
	cert, err := vault.GenerateSelfSignedCert()
	require.NoError(t, err)
	addr := startServer(t, func(r *server.Router) { r.SetCertificate(cert) })

	client, err := sdk.Connect(addr, sdk.ClientOptions{TLS: true})
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, "acl", sdk.Item{"identifier": "W1", "unit_id": "U1"}))
	page, err := client.Query(ctx, "acl", "", "identifier", "W1", "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestClient_TypedErrors(t *testing.T) {
	addr := startServer(t)
	client, err := sdk.Connect(addr, sdk.ClientOptions{})
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	_, err = client.DescribeTable(ctx, "missing")
	assert.True(t, errors.Is(err, sdk.ErrNotFound))
	var se *sdk.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "missing", se.Table)

	err = client.Put(ctx, "data", sdk.Item{"identifier": "W1"})
	var schemaErr *sdk.SchemaError
	assert.ErrorAs(t, err, &schemaErr)

	// The connection survives error replies.
	assert.NoError(t, client.Ping(ctx))
}

func TestClient_CanceledContext(t *testing.T) {
	addr := startServer(t)
	client, err := sdk.Connect(addr, sdk.ClientOptions{})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = client.Put(ctx, "acl", sdk.Item{"identifier": "W1"})
	assert.ErrorIs(t, err, context.Canceled)
}

// flakyServer drops the first connection after reading one line and
// acknowledges everything on later connections.
func flakyServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := 0
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted++
			first := accepted == 1
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if first {
						return
					}
					if strings.HasPrefix(line, "QUIT") {
						return
					}
					fmt.Fprint(c, "OK\n")
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestClient_ReconnectsLazily(t *testing.T) {
	addr := flakyServer(t)
	client, err := sdk.Connect(addr, sdk.ClientOptions{OpTimeout: time.Second})
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	// The broken connection fails the call in flight; it is not retried.
	err = client.Put(ctx, "acl", sdk.Item{"identifier": "W1"})
	var se *sdk.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)

	// The next call dials again.
	assert.NoError(t, client.Put(ctx, "acl", sdk.Item{"identifier": "W1"}))
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = sdk.Connect(addr, sdk.ClientOptions{DialTimeout: 200 * time.Millisecond})
	var se *sdk.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "connect", se.Op)
}

func TestWireErrors(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(t *testing.T, got error)
	}{
		{
			name: "missing table",
			err:  &sdk.StoreError{Op: "query", Table: "acl", Err: sdk.ErrNotFound},
			check: func(t *testing.T, got error) {
				assert.ErrorIs(t, got, sdk.ErrNotFound)
				var se *sdk.StoreError
				require.ErrorAs(t, got, &se)
				assert.Equal(t, "query", se.Op)
				assert.Equal(t, "acl", se.Table)
			},
		},
		{
			name: "service error",
			err:  &sdk.StoreError{Op: "put", Table: "data", StatusCode: 400, Code: "ThrottlingException", Err: errors.New("slow down")},
			check: func(t *testing.T, got error) {
				var se *sdk.StoreError
				require.ErrorAs(t, got, &se)
				assert.Equal(t, 400, se.StatusCode)
				assert.Equal(t, "ThrottlingException", se.Code)
				assert.NotErrorIs(t, got, sdk.ErrNotFound)
			},
		},
		{
			name: "schema",
			err:  &sdk.SchemaError{Table: "data", Reason: "item is missing sort key sequence"},
			check: func(t *testing.T, got error) {
				var schemaErr *sdk.SchemaError
				require.ErrorAs(t, got, &schemaErr)
				assert.Equal(t, "item is missing sort key sequence", schemaErr.Reason)
			},
		},
		{
			name: "type mismatch",
			err:  fmt.Errorf("%w: unit_id wants S", sdk.ErrTypeMismatch),
			check: func(t *testing.T, got error) {
				assert.ErrorIs(t, got, sdk.ErrTypeMismatch)
				assert.Equal(t, "attribute type mismatch: unit_id wants S", got.Error())
			},
		},
		{
			name: "plain",
			err:  errors.New("boom"),
			check: func(t *testing.T, got error) {
				assert.EqualError(t, got, "boom")
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := sdk.EncodeError(tc.err)
			tc.check(t, sdk.DecodeError(f))
		})
	}

	f := sdk.EncodeError(&sdk.StoreError{Op: "delete", Err: sdk.ErrNotFound})
	assert.Equal(t, schema.StoreFailure{Kind: sdk.FailureStore, Op: "delete", Message: "not found", Missing: true}, f)
}

func TestCompactPaths(t *testing.T) {
	paths, values := sdk.CompactPaths(map[string]any{
		"meta":       map[string]any{"a": 1},
		"meta.score": 2,
		"try":        3,
	})
	assert.Equal(t, []string{"meta", "try"}, paths)
	assert.Equal(t, 3, values["try"])
	assert.Equal(t, []string{"meta", "score"}, sdk.SplitPath("meta.score"))
}
