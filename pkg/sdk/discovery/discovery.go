// Package discovery builds the store and blob backends a configuration
// asks for, so callers do not care whether they run embedded, against a
// crowdgate daemon, or against DynamoDB.
package discovery

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/celerix-dev/crowdgate/internal/blob"
	"github.com/celerix-dev/crowdgate/internal/config"
	"github.com/celerix-dev/crowdgate/internal/dynamo"
	"github.com/celerix-dev/crowdgate/internal/engine"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// Backend is an opened store. Embedded is set only for the embedded engine.
type Backend struct {
	Store    sdk.Store
	Embedded *engine.MemStore
	Kind     string

	closer func() error
}

// Close releases the connection, or flushes pending snapshots for the
// embedded engine.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

type options struct {
	pool *dynamo.Pool
}

// Option configures New.
type Option func(*options)

// WithPool shares DynamoDB clients through p. Without it every call builds
// its own client.
func WithPool(p *dynamo.Pool) Option {
	return func(o *options) { o.pool = p }
}

// New opens the store selected by cfg.Store.Backend.
func New(ctx context.Context, cfg config.Config, log logr.Logger, opts ...Option) (*Backend, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.pool == nil {
		o.pool = dynamo.NewPool()
	}
	log = log.WithName("discovery")
	switch cfg.Store.Backend {
	case config.BackendRemote:
		client, err := sdk.Connect(cfg.Store.Addr, sdk.ClientOptions{TLS: !cfg.Store.DisableTLS})
		if err != nil {
			return nil, err
		}
		log.Info("using remote store", "addr", cfg.Store.Addr, "tls", !cfg.Store.DisableTLS)
		return &Backend{Store: client, Kind: config.BackendRemote, closer: client.Close}, nil

	case config.BackendDynamoDB:
		s, err := o.pool.Get(ctx, dynamo.ClientKey{
			Region:       cfg.Store.Region,
			Endpoint:     cfg.Store.Endpoint,
			AccessKey:    cfg.Store.AccessKey,
			SecretKey:    cfg.Store.SecretKey,
			SessionToken: cfg.Store.SessionToken,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using dynamodb", "region", cfg.Store.Region, "endpoint", cfg.Store.Endpoint)
		return &Backend{Store: s, Kind: config.BackendDynamoDB}, nil

	case config.BackendEmbedded:
		ms, err := OpenEmbedded(cfg, log)
		if err != nil {
			return nil, err
		}
		log.Info("using embedded store", "dir", cfg.Store.DataDir)
		return &Backend{
			Store:    ms,
			Embedded: ms,
			Kind:     config.BackendEmbedded,
			closer: func() error {
				ms.Wait()
				return nil
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// OpenEmbedded loads the embedded engine from cfg.Store.DataDir and makes
// sure the crowdgate tables exist.
func OpenEmbedded(cfg config.Config, log logr.Logger) (*engine.MemStore, error) {
	p, err := engine.NewPersistence(cfg.Store.DataDir, log.WithName("persistence"))
	if err != nil {
		return nil, err
	}
	snapshots, err := p.LoadAll()
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if cfg.Store.IndexLag > 0 {
		opts = append(opts, engine.WithIndexLag(cfg.Store.IndexLag))
	}
	ms := engine.NewMemStore(snapshots, p, opts...)
	if err := tables.Provision(ms, cfg.TableNames()); err != nil {
		return nil, fmt.Errorf("provision tables: %w", err)
	}
	return ms, nil
}

// OpenBlob opens the blob store selected by cfg.Backend. The closer is a
// no-op for stores without resources.
func OpenBlob(ctx context.Context, cfg config.BlobConfig) (blob.Store, io.Closer, error) {
	switch cfg.Backend {
	case config.BlobMemory:
		return blob.NewMemoryStore(), noClose{}, nil
	case config.BlobSQLite:
		s, err := blob.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BlobS3:
		s, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Prefix:    cfg.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		return s, noClose{}, nil
	}
	return nil, nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}

type noClose struct{}

func (noClose) Close() error { return nil }
