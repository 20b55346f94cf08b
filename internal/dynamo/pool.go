package dynamo

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// ClientKey identifies a DynamoDB connection. Two configurations that agree
// on every field share one client.
type ClientKey struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// Open builds a client for key. Static credentials are used when an access
// key is given, the default AWS chain otherwise. The SDK's own retryer is
// disabled: callers own the retry policy.
func Open(ctx context.Context, key ClientKey) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if key.Region != "" {
		opts = append(opts, awsconfig.WithRegion(key.Region))
	}
	if key.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key.AccessKey, key.SecretKey, key.SessionToken)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if key.Endpoint != "" {
			o.BaseEndpoint = aws.String(key.Endpoint)
		}
	})
	return NewStore(client), nil
}

// Pool hands out one Store per ClientKey.
type Pool struct {
	mu      sync.Mutex
	clients map[ClientKey]*Store
	open    func(context.Context, ClientKey) (*Store, error)
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[ClientKey]*Store), open: Open}
}

// Get returns the pooled store for key, opening it on first use.
func (p *Pool) Get(ctx context.Context, key ClientKey) (*Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.clients[key]; ok {
		return s, nil
	}
	s, err := p.open(ctx, key)
	if err != nil {
		return nil, err
	}
	p.clients[key] = s
	return s, nil
}

// Len reports how many distinct clients are pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
