package discovery

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/crowdgate/internal/config"
	"github.com/celerix-dev/crowdgate/internal/dynamo"
	"github.com/celerix-dev/crowdgate/internal/engine"
	"github.com/celerix-dev/crowdgate/internal/server"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

func TestNew_EmbeddedProvisionsAndPersists(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()

	b, err := New(ctx, cfg, testr.New(t))
	require.NoError(t, err)
	require.NotNil(t, b.Embedded)
	assert.Equal(t, config.BackendEmbedded, b.Kind)
	assert.ElementsMatch(t, []string{cfg.Tables.ACL, cfg.Tables.Data}, b.Embedded.Tables())

	require.NoError(t, b.Store.Put(ctx, cfg.Tables.ACL, sdk.Item{"identifier": "W1", "unit_id": "U1"}))
	require.NoError(t, b.Close())

	// A second open sees the snapshot written by the first.
	again, err := New(ctx, cfg, testr.New(t))
	require.NoError(t, err)
	defer again.Close()
	page, err := again.Store.Query(ctx, cfg.Tables.ACL, "", "identifier", "W1", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "U1", page.Items[0]["unit_id"])
}

func TestNew_Remote(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	router := server.NewRouter(store, testr.New(t))
	go router.Listen("0")
	defer router.Stop()
	var addr string
	for i := 0; i < 20 && addr == ""; i++ {
		time.Sleep(25 * time.Millisecond)
		if a := router.Addr(); a != nil {
			addr = fmt.Sprintf("127.0.0.1:%d", a.(*net.TCPAddr).Port)
		}
	}
	require.NotEmpty(t, addr)

	cfg := config.Default()
	cfg.Store.Backend = config.BackendRemote
	cfg.Store.Addr = addr
	cfg.Store.DisableTLS = true

	b, err := New(context.Background(), cfg, testr.New(t))
	require.NoError(t, err)
	assert.Nil(t, b.Embedded)
	_, ok := b.Store.(*sdk.Client)
	assert.True(t, ok)
	assert.NoError(t, b.Close())
}

func TestNew_RemoteUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := config.Default()
	cfg.Store.Backend = config.BackendRemote
	cfg.Store.Addr = addr
	_, err = New(context.Background(), cfg, testr.New(t))
	assert.Error(t, err)
}

func TestNew_DynamoDB(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendDynamoDB
	cfg.Store.Region = "us-east-1"
	cfg.Store.Endpoint = "http://localhost:8000"
	cfg.Store.AccessKey = "local"
	cfg.Store.SecretKey = "local"

	pool := dynamo.NewPool()
	a, err := New(context.Background(), cfg, testr.New(t), WithPool(pool))
	require.NoError(t, err)
	b, err := New(context.Background(), cfg, testr.New(t), WithPool(pool))
	require.NoError(t, err)
	assert.Same(t, a.Store, b.Store)
	assert.Equal(t, 1, pool.Len())
	assert.NoError(t, a.Close())

	// Callers that pass no pool share nothing.
	c, err := New(context.Background(), cfg, testr.New(t))
	require.NoError(t, err)
	assert.NotSame(t, a.Store, c.Store)
	assert.Equal(t, 1, pool.Len())
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "etcd"
	_, err := New(context.Background(), cfg, testr.New(t))
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestOpenBlob(t *testing.T) {
	ctx := context.Background()

	mem, closer, err := OpenBlob(ctx, config.BlobConfig{Backend: config.BlobMemory})
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, "t/b/Task/settings.json", []byte(`{}`)))
	assert.NoError(t, closer.Close())

	lite, closer, err := OpenBlob(ctx, config.BlobConfig{
		Backend: config.BlobSQLite,
		Path:    filepath.Join(t.TempDir(), "blobs.db"),
	})
	require.NoError(t, err)
	require.NoError(t, lite.Put(ctx, "t/b/Task/workers.json", []byte(`{"started":["W1"]}`)))
	got, err := lite.Get(ctx, "t/b/Task/workers.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"started":["W1"]}`, string(got))
	assert.NoError(t, closer.Close())

	_, _, err = OpenBlob(ctx, config.BlobConfig{Backend: "ftp"})
	assert.Error(t, err)
}
