package tables

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// Table selects one of the logical tables.
type Table int

const (
	ACL Table = iota
	Data
	numTables
)

func (t Table) String() string {
	switch t {
	case ACL:
		return "acl"
	case Data:
		return "data"
	}
	return fmt.Sprintf("table(%d)", int(t))
}

// ParseTable maps "acl" / "data" to a Table.
func ParseTable(s string) (Table, error) {
	for t := ACL; t < numTables; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown logical table %q", s)
}

// Index names on the ACL table, one per lookup dimension.
const (
	IndexIdentifier = "identifier-index"
	IndexUnit       = "unit_id-index"
	IndexIP         = "ip_address-index"
)

// Names maps each logical table to its physical table name.
type Names [numTables]string

// Client is the typed front of an sdk.Store for crowdgate's logical tables.
type Client struct {
	store   sdk.Store
	schemas *SchemaCache
	names   Names
	log     logr.Logger
}

// NewClient wires a client over store. The schema cache is created here
// unless one is supplied.
func NewClient(store sdk.Store, names Names, cache *SchemaCache, log logr.Logger) *Client {
	if cache == nil {
		cache = NewSchemaCache(store, log)
	}
	return &Client{store: store, schemas: cache, names: names, log: log}
}

// Name returns the physical table name for t.
func (c *Client) Name(t Table) string {
	return c.names[t]
}

// Schema returns the cached schema for t.
func (c *Client) Schema(ctx context.Context, t Table) (sdk.Schema, error) {
	return c.schemas.Get(ctx, c.names[t])
}

// Key builds a correctly typed primary key for t out of src.
func (c *Client) Key(ctx context.Context, t Table, src sdk.Item) (sdk.Key, error) {
	key, _, err := c.keyOf(ctx, t, src)
	return key, err
}

// keyOf is Key that also hands back the schema the key was built with.
func (c *Client) keyOf(ctx context.Context, t Table, src sdk.Item) (sdk.Key, sdk.Schema, error) {
	s, err := c.Schema(ctx, t)
	if err != nil {
		return nil, sdk.Schema{}, err
	}
	key, err := s.KeyOf(src)
	if err != nil {
		return nil, sdk.Schema{}, err
	}
	for attr, v := range key {
		cv, err := Coerce(s, attr, v)
		if err != nil {
			return nil, sdk.Schema{}, err
		}
		key[attr] = cv
	}
	return key, s, nil
}

// Query returns one page of items whose keyName equals value. An empty
// index addresses the primary key.
func (c *Client) Query(ctx context.Context, t Table, index, keyName string, value any, token string) (sdk.Page, error) {
	s, err := c.Schema(ctx, t)
	if err != nil {
		return sdk.Page{}, err
	}
	cv, err := Coerce(s, keyName, value)
	if err != nil {
		return sdk.Page{}, err
	}
	return c.store.Query(ctx, c.names[t], index, keyName, cv, token)
}

// QueryAll follows continuation tokens until the result is complete.
func (c *Client) QueryAll(ctx context.Context, t Table, index, keyName string, value any) ([]sdk.Item, error) {
	var items []sdk.Item
	token := ""
	for {
		page, err := c.Query(ctx, t, index, keyName, value, token)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.Next == "" {
			return items, nil
		}
		token = page.Next
	}
}

// Scan returns one page of t, optionally through index.
func (c *Client) Scan(ctx context.Context, t Table, index, token string) (sdk.Page, error) {
	return c.store.Scan(ctx, c.names[t], index, token)
}

// ScanAll reads every page of t.
func (c *Client) ScanAll(ctx context.Context, t Table, index string) ([]sdk.Item, error) {
	var items []sdk.Item
	token := ""
	for {
		page, err := c.Scan(ctx, t, index, token)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.Next == "" {
			return items, nil
		}
		token = page.Next
	}
}

// ScanSorted reads every page of t and stable-sorts the items by attr.
// The store itself guarantees no order.
func (c *Client) ScanSorted(ctx context.Context, t Table, index, attr string) ([]sdk.Item, error) {
	items, err := c.ScanAll(ctx, t, index)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return fmt.Sprint(items[i][attr]) < fmt.Sprint(items[j][attr])
	})
	return items, nil
}

// Put coerces and writes a whole item.
func (c *Client) Put(ctx context.Context, t Table, item sdk.Item) error {
	s, err := c.Schema(ctx, t)
	if err != nil {
		return err
	}
	typed, err := CoerceItem(s, item)
	if err != nil {
		return err
	}
	if _, err := s.KeyOf(typed); err != nil {
		return err
	}
	return c.store.Put(ctx, c.names[t], typed)
}

// Update sets attribute paths on the item whose key is taken from src.
// Overlapping paths keep only the most general one.
func (c *Client) Update(ctx context.Context, t Table, src sdk.Item, sets map[string]any) error {
	key, s, err := c.keyOf(ctx, t, src)
	if err != nil {
		return err
	}
	_, compact := sdk.CompactPaths(sets)
	for path, v := range compact {
		cv, err := Coerce(s, path, v)
		if err != nil {
			return err
		}
		compact[path] = cv
	}
	return c.store.Update(ctx, c.names[t], key, compact)
}

// Delete removes the item whose key is taken from src.
func (c *Client) Delete(ctx context.Context, t Table, src sdk.Item) error {
	key, err := c.Key(ctx, t, src)
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, c.names[t], key)
}
