// Package engine implements the embedded key-value engine behind crowdgate:
// tables with a partition/sort key, secondary indexes, paginated scans and
// attribute-path updates.
package engine

import (
	"errors"
	"fmt"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

var (
	// ErrTableExists is returned by CreateTable for a name already in use.
	ErrTableExists = errors.New("table already exists")
	// ErrUnknownIndex is returned when a query or scan names an index the table does not have.
	ErrUnknownIndex = errors.New("unknown index")
	// ErrKeyMismatch is returned when a query addresses an attribute that is not the index key.
	ErrKeyMismatch = errors.New("key attribute does not match index")
)

// DefaultPageSize bounds the number of items returned by one Query or Scan page.
const DefaultPageSize = 100

// TableDef declares a table: its primary key, the types of its key
// attributes, and its secondary indexes (index name -> key attribute).
type TableDef struct {
	Name           string            `json:"name"`
	PartitionKey   string            `json:"partition_key"`
	SortKey        string            `json:"sort_key,omitempty"`
	AttributeTypes map[string]string `json:"attribute_types"`
	Indexes        map[string]string `json:"indexes,omitempty"`
}

// Schema converts the definition to the sdk representation.
func (d TableDef) Schema() sdk.Schema {
	types := make(map[string]string, len(d.AttributeTypes))
	for k, v := range d.AttributeTypes {
		types[k] = v
	}
	indexes := make(map[string]string, len(d.Indexes))
	for k, v := range d.Indexes {
		indexes[k] = v
	}
	return sdk.Schema{
		Table:          d.Name,
		PartitionKey:   d.PartitionKey,
		SortKey:        d.SortKey,
		AttributeTypes: types,
		Indexes:        indexes,
	}
}

func (d TableDef) validate() error {
	if d.Name == "" {
		return errors.New("table name is required")
	}
	if d.PartitionKey == "" {
		return &sdk.SchemaError{Table: d.Name, Reason: "no partition key"}
	}
	for name, attr := range d.Indexes {
		if attr == "" {
			return fmt.Errorf("index %s of table %s has no key attribute", name, d.Name)
		}
	}
	return nil
}
