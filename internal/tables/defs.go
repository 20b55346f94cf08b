package tables

import (
	"github.com/celerix-dev/crowdgate/internal/engine"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// Definitions returns the table layouts crowdgate expects, under the given
// physical names. The embedded engine creates them on start; the DynamoDB
// tables are provisioned out of band with the same shape.
func Definitions(names Names) []engine.TableDef {
	return []engine.TableDef{
		{
			Name:         names[ACL],
			PartitionKey: "identifier",
			AttributeTypes: map[string]string{
				"identifier": sdk.TypeString,
				"unit_id":    sdk.TypeString,
				"ip_address": sdk.TypeString,
			},
			Indexes: map[string]string{
				IndexIdentifier: "identifier",
				IndexUnit:       "unit_id",
				IndexIP:         "ip_address",
			},
		},
		{
			Name:         names[Data],
			PartitionKey: "identifier",
			SortKey:      "sequence",
			AttributeTypes: map[string]string{
				"identifier": sdk.TypeString,
				"sequence":   sdk.TypeString,
			},
		},
	}
}

// Provision creates any missing table in an embedded store.
func Provision(ms *engine.MemStore, names Names) error {
	for _, def := range Definitions(names) {
		if err := ms.EnsureTable(def); err != nil {
			return err
		}
	}
	return nil
}
