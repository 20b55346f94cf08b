package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// row holds the current version of an item and the version it replaced.
// Secondary-index readers see prev until the index lag has elapsed.
type row struct {
	item      sdk.Item
	prev      sdk.Item
	writtenAt time.Time
}

type table struct {
	def  TableDef
	rows map[string]*row
}

// Option configures a MemStore.
type Option func(*MemStore)

// WithIndexLag delays the visibility of writes to secondary-index reads,
// the way an eventually consistent store does.
func WithIndexLag(d time.Duration) Option {
	return func(m *MemStore) { m.indexLag = d }
}

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(m *MemStore) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemStore) { m.now = now }
}

// MemStore is a thread-safe in-memory implementation of sdk.Store.
type MemStore struct {
	mu        sync.RWMutex
	tables    map[string]*table
	persister *Persistence
	wg        sync.WaitGroup

	indexLag time.Duration
	pageSize int
	now      func() time.Time
	version  uint64
}

// NewMemStore initializes a store from snapshots (as returned by
// Persistence.LoadAll) and an optional persister.
func NewMemStore(initial map[string]TableSnapshot, p *Persistence, opts ...Option) *MemStore {
	m := &MemStore{
		tables:    make(map[string]*table),
		persister: p,
		pageSize:  DefaultPageSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, snap := range initial {
		if snap.Version > m.version {
			m.version = snap.Version
		}
		t := &table{def: snap.Def, rows: make(map[string]*row, len(snap.Items))}
		for _, item := range snap.Items {
			k, err := encodeKey(t.def, item)
			if err != nil {
				continue
			}
			t.rows[k] = &row{item: item}
		}
		m.tables[name] = t
	}
	return m
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// CreateTable registers a new table. It fails if the name is taken.
func (m *MemStore) CreateTable(def TableDef) error {
	if err := def.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.tables[def.Name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTableExists, def.Name)
	}
	m.tables[def.Name] = &table{def: def, rows: make(map[string]*row)}
	snap := m.snapshot(def.Name)
	m.mu.Unlock()

	m.persist(def.Name, snap)
	return nil
}

// EnsureTable creates the table unless it already exists.
func (m *MemStore) EnsureTable(def TableDef) error {
	m.mu.RLock()
	_, ok := m.tables[def.Name]
	m.mu.RUnlock()
	if ok {
		return nil
	}
	err := m.CreateTable(def)
	if err != nil && !errors.Is(err, ErrTableExists) {
		return err
	}
	return nil
}

// Tables lists the table names in lexical order.
func (m *MemStore) Tables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Interface Implementation ---

func (m *MemStore) DescribeTable(ctx context.Context, name string) (sdk.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[name]
	if !ok {
		return sdk.Schema{}, &sdk.StoreError{Op: "describe", Table: name, Err: sdk.ErrNotFound}
	}
	return t.def.Schema(), nil
}

func (m *MemStore) Query(ctx context.Context, name, index, keyName string, keyValue any, token string) (sdk.Page, error) {
	if err := ctx.Err(); err != nil {
		return sdk.Page{}, sdk.Wrap("query", name, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[name]
	if !ok {
		return sdk.Page{}, &sdk.StoreError{Op: "query", Table: name, Err: sdk.ErrNotFound}
	}
	attr := t.def.PartitionKey
	if index != "" {
		a, ok := t.def.Indexes[index]
		if !ok {
			return sdk.Page{}, &sdk.StoreError{Op: "query", Table: name, Err: fmt.Errorf("%w: %s", ErrUnknownIndex, index)}
		}
		attr = a
	}
	if keyName != attr {
		return sdk.Page{}, &sdk.StoreError{Op: "query", Table: name, Err: fmt.Errorf("%w: %s is not %s", ErrKeyMismatch, keyName, attr)}
	}

	want := fmt.Sprint(keyValue)
	var matches []sdk.Item
	for _, item := range m.view(t, index != "") {
		v, ok := item[attr]
		if ok && fmt.Sprint(v) == want {
			matches = append(matches, item)
		}
	}
	page, err := m.page(t.def, matches, token)
	if err != nil {
		return sdk.Page{}, sdk.Wrap("query", name, err)
	}
	return page, nil
}

func (m *MemStore) Scan(ctx context.Context, name, index, token string) (sdk.Page, error) {
	if err := ctx.Err(); err != nil {
		return sdk.Page{}, sdk.Wrap("scan", name, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[name]
	if !ok {
		return sdk.Page{}, &sdk.StoreError{Op: "scan", Table: name, Err: sdk.ErrNotFound}
	}
	items := m.view(t, index != "")
	if index != "" {
		attr, ok := t.def.Indexes[index]
		if !ok {
			return sdk.Page{}, &sdk.StoreError{Op: "scan", Table: name, Err: fmt.Errorf("%w: %s", ErrUnknownIndex, index)}
		}
		// Sparse index: only items carrying the index key are listed.
		filtered := items[:0]
		for _, item := range items {
			if _, ok := item[attr]; ok {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	page, err := m.page(t.def, items, token)
	if err != nil {
		return sdk.Page{}, sdk.Wrap("scan", name, err)
	}
	return page, nil
}

func (m *MemStore) Put(ctx context.Context, name string, item sdk.Item) error {
	if err := ctx.Err(); err != nil {
		return sdk.Wrap("put", name, err)
	}
	m.mu.Lock()
	t, ok := m.tables[name]
	if !ok {
		m.mu.Unlock()
		return &sdk.StoreError{Op: "put", Table: name, Err: sdk.ErrNotFound}
	}
	k, err := encodeKey(t.def, item)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.write(t, k, copyItem(item))
	snap := m.snapshot(name)
	m.mu.Unlock()

	m.persist(name, snap)
	return nil
}

func (m *MemStore) Update(ctx context.Context, name string, key sdk.Key, sets map[string]any) error {
	if err := ctx.Err(); err != nil {
		return sdk.Wrap("update", name, err)
	}
	m.mu.Lock()
	t, ok := m.tables[name]
	if !ok {
		m.mu.Unlock()
		return &sdk.StoreError{Op: "update", Table: name, Err: sdk.ErrNotFound}
	}
	k, err := encodeKey(t.def, sdk.Item(key))
	if err != nil {
		m.mu.Unlock()
		return err
	}

	// Updates upsert, like the hosted store.
	next := sdk.Item{}
	if r, ok := t.rows[k]; ok {
		next = copyItem(r.item)
	}
	for attr, v := range key {
		next[attr] = v
	}
	paths, values := sdk.CompactPaths(sets)
	for _, p := range paths {
		if err := setPath(next, sdk.SplitPath(p), copyValue(values[p])); err != nil {
			m.mu.Unlock()
			return &sdk.StoreError{Op: "update", Table: name, Err: err}
		}
	}
	m.write(t, k, next)
	snap := m.snapshot(name)
	m.mu.Unlock()

	m.persist(name, snap)
	return nil
}

func (m *MemStore) Delete(ctx context.Context, name string, key sdk.Key) error {
	if err := ctx.Err(); err != nil {
		return sdk.Wrap("delete", name, err)
	}
	m.mu.Lock()
	t, ok := m.tables[name]
	if !ok {
		m.mu.Unlock()
		return &sdk.StoreError{Op: "delete", Table: name, Err: sdk.ErrNotFound}
	}
	k, err := encodeKey(t.def, sdk.Item(key))
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(t.rows, k)
	snap := m.snapshot(name)
	m.mu.Unlock()

	m.persist(name, snap)
	return nil
}

// --- internals ---

// write must be called while holding m.mu.Lock.
func (m *MemStore) write(t *table, k string, item sdk.Item) {
	r, ok := t.rows[k]
	if !ok {
		t.rows[k] = &row{item: item, writtenAt: m.now()}
		return
	}
	// Consecutive writes inside the lag window keep the last settled version.
	if m.now().Sub(r.writtenAt) >= m.indexLag {
		r.prev = r.item
	}
	r.item = item
	r.writtenAt = m.now()
}

// view returns copies of the items visible to a reader. Index readers
// get the lagged view. It must be called while holding m.mu.
func (m *MemStore) view(t *table, lagged bool) []sdk.Item {
	now := m.now()
	out := make([]sdk.Item, 0, len(t.rows))
	for _, r := range t.rows {
		item := r.item
		if lagged && m.indexLag > 0 && now.Sub(r.writtenAt) < m.indexLag {
			item = r.prev
		}
		if item == nil {
			continue
		}
		out = append(out, copyItem(item))
	}
	return out
}

func (m *MemStore) page(def TableDef, items []sdk.Item, token string) (sdk.Page, error) {
	sort.Slice(items, func(i, j int) bool {
		return sortKey(def, items[i]) < sortKey(def, items[j])
	})
	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return sdk.Page{}, fmt.Errorf("invalid continuation token %q", token)
		}
		start = n
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + m.pageSize
	page := sdk.Page{}
	if end < len(items) {
		page.Next = strconv.Itoa(end)
	} else {
		end = len(items)
	}
	page.Items = items[start:end]
	return page, nil
}

// snapshot deep copies a table's state. It MUST be called while holding m.mu.Lock.
func (m *MemStore) snapshot(name string) TableSnapshot {
	t := m.tables[name]
	m.version++
	snap := TableSnapshot{Version: m.version, Def: t.def, Items: make([]sdk.Item, 0, len(t.rows))}
	for _, r := range t.rows {
		snap.Items = append(snap.Items, copyItem(r.item))
	}
	return snap
}

func (m *MemStore) persist(name string, snap TableSnapshot) {
	if m.persister == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = m.persister.SaveTable(name, snap)
	}()
}

func encodeKey(def TableDef, item sdk.Item) (string, error) {
	key, err := def.Schema().KeyOf(item)
	if err != nil {
		return "", err
	}
	k := fmt.Sprint(key[def.PartitionKey])
	if def.SortKey != "" {
		k += "\x00" + fmt.Sprint(key[def.SortKey])
	}
	return k, nil
}

func sortKey(def TableDef, item sdk.Item) string {
	k, _ := encodeKey(def, item)
	return k
}

func setPath(item map[string]any, path []string, v any) error {
	cur := item
	for i, seg := range path {
		if i == len(path)-1 {
			cur[seg] = v
			return nil
		}
		next, ok := cur[seg]
		if !ok {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		switch c := next.(type) {
		case map[string]any:
			cur = c
		case sdk.Item:
			cur = c
		default:
			return fmt.Errorf("path segment %q is not a map", seg)
		}
	}
	return nil
}

func copyItem(item sdk.Item) sdk.Item {
	if item == nil {
		return nil
	}
	out := make(sdk.Item, len(item))
	for k, v := range item {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = copyValue(vv)
		}
		return out
	case sdk.Item:
		return map[string]any(copyItem(t))
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = copyValue(vv)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
