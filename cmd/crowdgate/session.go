package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/celerix-dev/crowdgate/internal/blob"
	"github.com/celerix-dev/crowdgate/internal/claim"
	"github.com/celerix-dev/crowdgate/internal/config"
	"github.com/celerix-dev/crowdgate/internal/dynamo"
	"github.com/celerix-dev/crowdgate/internal/logging"
	"github.com/celerix-dev/crowdgate/internal/records"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/pkg/sdk/discovery"
)

type opener func(cmd *cobra.Command) (*session, error)

// session holds what one CLI invocation needs. The blob store is opened on
// first use so commands that never touch it work without it.
type session struct {
	cfg     config.Config
	log     logr.Logger
	backend *discovery.Backend
	pool    *dynamo.Pool
	tables  *tables.Client
	claims  *claim.Claimer
	records *records.Writer

	blobs      blob.Store
	blobCloser io.Closer
}

func openSession(ctx context.Context, configPath string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool := dynamo.NewPool()
	backend, err := discovery.New(ctx, cfg, log, discovery.WithPool(pool))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	tc := tables.NewClient(backend.Store, cfg.TableNames(), nil, log)
	return &session{
		cfg:     cfg,
		log:     log,
		backend: backend,
		pool:    pool,
		tables:  tc,
		claims:  claim.NewClaimer(tc, log, claim.WithRetryPolicy(cfg.Claim.RetryPolicy())),
		records: records.NewWriter(tc, log, nil),
	}, nil
}

func (s *session) blobStore(ctx context.Context) (blob.Store, error) {
	if s.blobs != nil {
		return s.blobs, nil
	}
	b, closer, err := discovery.OpenBlob(ctx, s.cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	s.blobs, s.blobCloser = b, closer
	return b, nil
}

func (s *session) Close() error {
	if s.blobCloser != nil {
		s.blobCloser.Close()
	}
	return s.backend.Close()
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
